package pipeline

// Diagnosis is the payload of a successful diagnose stage.
type Diagnosis struct {
	Summary           string   `json:"summary"`
	RootCause         string   `json:"root_cause"`
	DetailedAnalysis  string   `json:"detailed_analysis,omitempty"`
	RelevantFiles     []string `json:"relevant_files,omitempty"`
	SuggestedFixAreas []string `json:"suggested_fix_areas,omitempty"`
	Confidence        float64  `json:"confidence"`
}

// Patch is the payload of a successful patch stage.
type Patch struct {
	Diff         string   `json:"diff"`
	Explanation  string   `json:"explanation"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Round        int      `json:"round"`
}

// QA verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// QAVerdict is the payload of a completed qa stage.
type QAVerdict struct {
	Verdict  string    `json:"verdict"`
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings,omitempty"`
	// PatchRound is the patch round the verdict was issued for.
	PatchRound int `json:"patch_round"`
}

// Passed reports whether the verdict allows a pull request.
func (v QAVerdict) Passed() bool {
	return v.Verdict == VerdictPass
}

// Finding is a single problem reported during validation.
type Finding struct {
	Check    string `json:"check"`
	File     string `json:"file,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// PRReference is the payload of a successful pr stage.
type PRReference struct {
	URL    string `json:"url"`
	Number int    `json:"number,omitempty"`
	Branch string `json:"branch,omitempty"`
	Title  string `json:"title"`
}
