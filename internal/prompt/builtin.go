package prompt

// Template names.
const (
	Diagnose     = "diagnose.md"
	Patch        = "patch.md"
	QAReview     = "qa-review.md"
	PRBody       = "pr-body.md"
	PRBodyStatic = "pr-body-fallback.md"
	Triage       = "triage.md"
	Voice        = "voice.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	Diagnose:     diagnoseTemplate,
	Patch:        patchTemplate,
	QAReview:     qaReviewTemplate,
	PRBody:       prBodyTemplate,
	PRBodyStatic: prBodyFallbackTemplate,
	Triage:       triageTemplate,
	Voice:        voiceTemplate,
}

// System prompts sent alongside the rendered templates.
const (
	DiagnoseSystem = "You are an expert software debugger. You analyze bug reports, stack traces and logs and identify the root cause. Respond only with the requested JSON."
	PatchSystem    = "You are an expert software engineer. You write minimal, correct unified diffs that fix a diagnosed bug without unrelated changes."
	QASystem       = "You are a meticulous code reviewer. You decide whether a patch fixes the diagnosed root cause without introducing regressions. Respond only with the requested JSON."
	PRSystem       = "You write clear, concise pull request descriptions in GitHub markdown."
	TriageSystem   = "You turn raw bug reports into structured issue records. Respond only with the requested JSON."
	VoiceSystem    = "You are a debugging assistant answering spoken questions. Keep answers short enough to be read aloud."
)

const diagnoseTemplate = `# Diagnose: {{issue_title}}

## Issue {{issue_id}}
Repository: {{repository}}

{{issue_description}}

{{#if error_message}}
## Error Message
` + "```" + `
{{error_message}}
` + "```" + `
{{/if}}

{{#if logs}}
## Logs
` + "```" + `
{{logs}}
` + "```" + `
{{/if}}

{{#if relevant_files}}
## Relevant Files
{{relevant_files}}
{{/if}}

{{#if source_context}}
## Source
{{source_context}}
{{/if}}

## Task
Identify the root cause of this issue.

Respond with a single JSON object:
` + "```json" + `
{
  "summary": "one sentence summary",
  "root_cause": "the specific defect",
  "detailed_analysis": "how the defect produces the observed failure",
  "relevant_files": ["path/to/file.go"],
  "suggested_fix_areas": ["function or region to change"],
  "confidence": 0.0,
  "unfixable": false
}
` + "```" + `
Set "unfixable" to true only if the report cannot be acted on.
`

const patchTemplate = `# Patch: {{issue_title}}

## Issue {{issue_id}}
Repository: {{repository}}

## Diagnosis
Root cause: {{root_cause}}

{{diagnosis_summary}}

{{#if suggested_fix_areas}}
Suggested fix areas:
{{suggested_fix_areas}}
{{/if}}

{{#if relevant_files}}
## Relevant Files
{{relevant_files}}
{{/if}}

{{#if source_context}}
## Source
{{source_context}}
{{/if}}

{{#if qa_feedback}}
## Previous Attempt Rejected
Patch round {{patch_round}}. The previous patch failed validation:

{{qa_feedback}}

{{#if previous_diff}}
Previous diff:
` + "```diff" + `
{{previous_diff}}
` + "```" + `
{{/if}}
{{/if}}

## Task
Write a minimal patch that fixes the root cause.

Respond in exactly this format:

### Diff:
` + "```diff" + `
<unified diff with --- a/ and +++ b/ headers>
` + "```" + `

### Explanation:
<why the change fixes the root cause>

If the issue cannot be fixed by a code change, respond with the single line UNFIXABLE: <reason>.
`

const qaReviewTemplate = `# Validate Patch: {{issue_title}}

## Diagnosis
Root cause: {{root_cause}}

{{diagnosis_summary}}

## Proposed Patch (round {{patch_round}})
` + "```diff" + `
{{patch_diff}}
` + "```" + `

{{patch_explanation}}

{{#if check_findings}}
## Automated Check Findings
{{check_findings}}
{{/if}}

## Task
Decide whether the patch fixes the root cause without regressions.

Respond with a single JSON object:
` + "```json" + `
{
  "verdict": "pass or fail",
  "summary": "short justification",
  "issues": ["problem found in the patch"]
}
` + "```" + `
`

const prBodyTemplate = `Write a pull request description for this fix.

Issue {{issue_id}}: {{issue_title}}

Root cause: {{root_cause}}

Diagnosis:
{{diagnosis_summary}}

Validation:
{{qa_summary}}

Diff:
` + "```diff" + `
{{patch_diff}}
` + "```" + `

Include a summary, the root cause, the change made and how it was validated.
Reply with the markdown body only.
`

const prBodyFallbackTemplate = `## Summary
Fixes {{issue_id}}: {{issue_title}}

## Root Cause
{{root_cause}}

{{diagnosis_summary}}

## Changes
{{patch_explanation}}

## Validation
{{qa_summary}}

---
Generated by debugfactory.
`

const triageTemplate = `# Triage Bug Report

{{#if repository}}
Repository: {{repository}}
{{/if}}

## Raw Report
{{report}}

## Task
Extract a structured issue from the report.

Respond with a single JSON object:
` + "```json" + `
{
  "title": "short imperative title",
  "description": "what is wrong and how to reproduce it",
  "error_message": "the primary error message, if any",
  "logs": "relevant log lines, if any",
  "relevant_files": ["path/to/file"]
}
` + "```" + `
`

const voiceTemplate = `{{#if issue_context}}
## Issue Context
{{issue_context}}
{{/if}}

## Question
{{utterance}}
`
