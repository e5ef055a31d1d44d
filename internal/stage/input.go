package stage

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/debugfactory/internal/pipeline"
)

// inputs holds the decoded upstream payloads a stage builds on.
type inputs struct {
	diagnosis *pipeline.Diagnosis
	patch     *pipeline.Patch
	verdict   *pipeline.QAVerdict
}

// loadInputs decodes the stage results st depends on. A missing or
// undecodable dependency is a fatal input error.
func loadInputs(iss *pipeline.Issue, st pipeline.Stage) (*inputs, *Error) {
	in := &inputs{}
	need := map[pipeline.Stage][]pipeline.Stage{
		pipeline.StagePatch: {pipeline.StageDiagnose},
		pipeline.StageQA:    {pipeline.StageDiagnose, pipeline.StagePatch},
		pipeline.StagePR:    {pipeline.StageDiagnose, pipeline.StagePatch, pipeline.StageQA},
	}[st]

	for _, dep := range need {
		res := iss.Result(dep)
		if res == nil || !res.Succeeded {
			return nil, fatal(st, "missing %s result", dep)
		}
		var err error
		switch dep {
		case pipeline.StageDiagnose:
			in.diagnosis = &pipeline.Diagnosis{}
			err = res.Decode(in.diagnosis)
		case pipeline.StagePatch:
			in.patch = &pipeline.Patch{}
			err = res.Decode(in.patch)
		case pipeline.StageQA:
			in.verdict = &pipeline.QAVerdict{}
			err = res.Decode(in.verdict)
		}
		if err != nil {
			return nil, fatal(st, "invalid %s result: %v", dep, err)
		}
	}
	return in, nil
}

// patchRound is the round number of the patch being produced or validated.
func patchRound(iss *pipeline.Issue) int {
	return iss.PatchRounds + 1
}

func issueVars(iss *pipeline.Issue) map[string]string {
	return map[string]string{
		"issue_id":          iss.ID,
		"issue_title":       iss.Title,
		"issue_description": iss.Description,
		"repository":        iss.Repository,
	}
}

// diagnoseVars is the only input built from the raw report.
func diagnoseVars(iss *pipeline.Issue) map[string]string {
	v := issueVars(iss)
	v["error_message"] = iss.ErrorMessage
	v["logs"] = iss.Logs
	v["relevant_files"] = bulletList(iss.RelevantFiles)
	return v
}

func diagnosisVars(v map[string]string, d *pipeline.Diagnosis) {
	v["root_cause"] = d.RootCause
	v["diagnosis_summary"] = d.Summary
	if d.DetailedAnalysis != "" {
		v["diagnosis_summary"] = d.Summary + "\n\n" + d.DetailedAnalysis
	}
	v["suggested_fix_areas"] = bulletList(d.SuggestedFixAreas)
	v["relevant_files"] = bulletList(d.RelevantFiles)
}

// patchVars feeds the previous round's QA feedback back into a re-entry.
func patchVars(iss *pipeline.Issue, in *inputs) map[string]string {
	v := issueVars(iss)
	diagnosisVars(v, in.diagnosis)
	round := patchRound(iss)
	v["patch_round"] = fmt.Sprint(round)

	if round > 1 {
		var verdict pipeline.QAVerdict
		if res := iss.Result(pipeline.StageQA); res != nil && res.Decode(&verdict) == nil && !verdict.Passed() {
			feedback := verdict.Summary
			if f := formatFindings(verdict.Findings); f != "" {
				feedback = strings.TrimSpace(feedback + "\n\n" + f)
			}
			v["qa_feedback"] = feedback
		}
		var prev pipeline.Patch
		if res := iss.Result(pipeline.StagePatch); res != nil && res.Decode(&prev) == nil {
			v["previous_diff"] = strings.TrimRight(prev.Diff, "\n")
		}
	}
	return v
}

func reviewVars(iss *pipeline.Issue, in *inputs, findings []pipeline.Finding) map[string]string {
	v := issueVars(iss)
	diagnosisVars(v, in.diagnosis)
	v["patch_round"] = fmt.Sprint(in.patch.Round)
	v["patch_diff"] = strings.TrimRight(in.patch.Diff, "\n")
	v["patch_explanation"] = in.patch.Explanation
	v["check_findings"] = formatFindings(findings)
	return v
}

func prVars(iss *pipeline.Issue, in *inputs) map[string]string {
	v := issueVars(iss)
	diagnosisVars(v, in.diagnosis)
	v["patch_diff"] = strings.TrimRight(in.patch.Diff, "\n")
	v["patch_explanation"] = in.patch.Explanation
	v["qa_summary"] = in.verdict.Summary
	return v
}

// issueContext summarizes iss and its latest diagnosis for free-form
// questions.
func issueContext(iss *pipeline.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue %s: %s\nState: %s\n", iss.ID, iss.Title, iss.State)
	if iss.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", iss.ErrorMessage)
	}
	var d pipeline.Diagnosis
	if r := iss.Result(pipeline.StageDiagnose); r != nil && r.Succeeded && r.Decode(&d) == nil {
		fmt.Fprintf(&b, "Root cause: %s\n", d.RootCause)
	}
	return strings.TrimRight(b.String(), "\n")
}
