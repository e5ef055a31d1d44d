package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/agent"
	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
)

// Input is one client turn. Audio takes precedence over Text when both are
// set.
type Input struct {
	Text  string
	Audio []byte
}

// MessageType tags a server message.
type MessageType string

const (
	MsgTranscript MessageType = "intermediate_transcript"
	MsgIntent     MessageType = "intent"
	MsgResult     MessageType = "final_result"
	MsgUnknown    MessageType = "unknown_intent"
	MsgError      MessageType = "error"
)

// Message is one server message produced by a turn. The last message of a
// turn is always a result, unknown intent or error.
type Message struct {
	Type       MessageType `json:"type"`
	Text       string      `json:"text,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Intent     *Intent     `json:"intent,omitempty"`
	IssueID    string      `json:"issue_id,omitempty"`
	Data       any         `json:"data,omitempty"`
}

// errNoIssue is shown when an intent needs an issue and none is known.
var errNoIssue = errors.New("which issue? say for example \"status ISSUE-001\"")

func (m *Manager) handle(ctx context.Context, s *session, in Input) []Message {
	var msgs []Message
	text := strings.TrimSpace(in.Text)
	if len(in.Audio) > 0 {
		if m.transcriber == nil {
			return []Message{{Type: MsgError, Text: "voice input is not enabled; send text instead"}}
		}
		t, err := m.transcriber.Transcribe(ctx, in.Audio)
		if err != nil {
			m.log.Warn("transcription failed", zap.String("session_id", s.id), zap.Error(err))
			return []Message{{Type: MsgError, Text: "could not transcribe audio: " + err.Error()}}
		}
		text = strings.TrimSpace(t)
		msgs = append(msgs, Message{Type: MsgTranscript, Transcript: text})
	}
	if text == "" {
		return append(msgs, Message{Type: MsgError, Text: "empty input"})
	}
	m.addTurn(s, "user", text)

	intent := ParseIntent(text)
	s.mu.Lock()
	if intent.IssueID == "" && intent.needsIssue() {
		intent.IssueID = s.issueID
	}
	s.mu.Unlock()

	if intent.Name == IntentUnknown {
		reply := "Sorry, I didn't catch that. Say \"help\" for what I can do."
		m.addTurn(s, "assistant", reply)
		m.audit(ctx, s.id, intent.IssueID, EventUnknownIntent, text)
		return append(msgs, Message{Type: MsgUnknown, Text: reply, Transcript: text})
	}
	msgs = append(msgs, Message{Type: MsgIntent, Intent: &intent, IssueID: intent.IssueID})

	reply, data, err := m.execute(ctx, s, intent)
	if err != nil {
		reply = describeError(intent, err)
		m.log.Info("voice turn failed", zap.String("session_id", s.id), zap.String("intent", string(intent.Name)), zap.Error(err))
		m.addTurn(s, "assistant", reply)
		m.audit(ctx, s.id, intent.IssueID, EventTurnFailed, string(intent.Name))
		return append(msgs, Message{Type: MsgError, Text: reply, IssueID: intent.IssueID})
	}
	m.addTurn(s, "assistant", reply)
	m.audit(ctx, s.id, intent.IssueID, EventTurn, string(intent.Name))
	return append(msgs, Message{Type: MsgResult, Text: reply, IssueID: intent.IssueID, Data: data})
}

func (m *Manager) execute(ctx context.Context, s *session, in Intent) (string, any, error) {
	switch in.Name {
	case IntentHelp:
		return helpText, nil, nil
	case IntentStatus:
		info, err := m.status(ctx, s, in.IssueID)
		if err != nil {
			return "", nil, err
		}
		return describeStatus(info), info, nil
	case IntentDiagnose:
		info, err := m.status(ctx, s, in.IssueID)
		if err != nil {
			return "", nil, err
		}
		d, err := m.explorer.Explore(ctx, info.Issue, agent.TaskVoice)
		if err != nil {
			return "", nil, err
		}
		s.mu.Lock()
		s.finding = &finding{issueID: info.IssueID, diagnosis: *d}
		s.mu.Unlock()
		reply := fmt.Sprintf("Likely root cause for %s: %s.", info.IssueID, strings.TrimSuffix(d.RootCause, "."))
		if info.State == pipeline.StatePending || info.State == pipeline.StateDiagnosed {
			reply += " Say \"promote\" to save this diagnosis to the issue."
		}
		return reply, d, nil
	case IntentPromote:
		return m.promote(ctx, s, in)
	case IntentRun:
		return m.run(ctx, s, in.IssueID)
	case IntentAsk:
		var iss *pipeline.Issue
		s.mu.Lock()
		id := in.IssueID
		if id == "" {
			id = s.issueID
		}
		s.mu.Unlock()
		if id != "" {
			info, err := m.status(ctx, s, id)
			if err != nil {
				return "", nil, err
			}
			iss = info.Issue
		}
		answer, err := m.explorer.Ask(ctx, iss, in.Text, agent.TaskVoice)
		return answer, nil, err
	}
	return "", nil, fmt.Errorf("unsupported intent %q", in.Name)
}

// status reads the issue and makes it the session's current issue.
func (m *Manager) status(ctx context.Context, s *session, id string) (*orchestrator.StatusInfo, error) {
	if id == "" {
		return nil, errNoIssue
	}
	info, err := m.issues.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.issueID = info.IssueID
	s.mu.Unlock()
	return info, nil
}

func (m *Manager) promote(ctx context.Context, s *session, in Intent) (string, any, error) {
	s.mu.Lock()
	f := s.finding
	s.mu.Unlock()
	if f == nil {
		return "", nil, errors.New("there is no diagnosis to promote; say \"diagnose <issue>\" first")
	}
	if in.IssueID != "" && in.IssueID != f.issueID {
		return "", nil, fmt.Errorf("the last diagnosis was for %s, not %s", f.issueID, in.IssueID)
	}
	iss, err := m.issues.Promote(ctx, f.issueID, f.diagnosis, "voice:"+s.id)
	if err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	s.finding = nil
	s.issueID = iss.ID
	s.mu.Unlock()
	m.audit(ctx, s.id, iss.ID, EventPromoted, "")
	return fmt.Sprintf("Saved the diagnosis to %s. It is now %s.", iss.ID, iss.State), nil, nil
}

func (m *Manager) run(ctx context.Context, s *session, id string) (string, any, error) {
	if m.submitter == nil {
		return "", nil, errors.New("running workflow stages is not enabled here")
	}
	info, err := m.status(ctx, s, id)
	if err != nil {
		return "", nil, err
	}
	if info.State.Terminal() {
		return fmt.Sprintf("%s is %s; nothing to run.", info.IssueID, info.State), info, nil
	}
	if _, err := m.submitter.Submit(info.IssueID); err != nil {
		return "", nil, err
	}
	next := info.NextStage
	if next == "" {
		return fmt.Sprintf("Queued %s.", info.IssueID), nil, nil
	}
	return fmt.Sprintf("Queued %s for its %s stage.", info.IssueID, next), nil, nil
}

func describeStatus(info *orchestrator.StatusInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q is %s.", info.IssueID, info.Title, strings.ReplaceAll(string(info.State), "_", " "))
	switch {
	case info.Locked:
		fmt.Fprintf(&b, " A stage is running now.")
	case info.NextStage != "":
		fmt.Fprintf(&b, " Next stage: %s.", info.NextStage)
	}
	if info.PatchRounds > 0 {
		fmt.Fprintf(&b, " Patch rounds after QA: %d.", info.PatchRounds)
	}
	return b.String()
}

// describeError turns an error into a short spoken reply.
func describeError(in Intent, err error) string {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return fmt.Sprintf("I couldn't find issue %s.", in.IssueID)
	case errors.Is(err, scheduler.ErrCapacityExceeded):
		return "The pipeline is busy right now; try again shortly."
	case errors.Is(err, orchestrator.ErrInvalidState):
		return "That issue can no longer take a diagnosis: " + err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "That took too long and was cancelled."
	}
	return err.Error()
}
