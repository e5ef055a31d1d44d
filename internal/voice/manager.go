// Package voice manages interactive sessions that inspect or steer issues
// by text or speech. Each session runs its own loop goroutine and handles
// one turn at a time.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/orchestrator"
	"github.com/lucasnoah/debugfactory/internal/pipeline"
	"github.com/lucasnoah/debugfactory/internal/scheduler"
)

var (
	// ErrSessionNotFound is returned for unknown or already closed sessions.
	ErrSessionNotFound = errors.New("voice session not found")
	// ErrSessionClosed is returned when a session closes while a turn is
	// waiting or running.
	ErrSessionClosed = errors.New("voice session closed")
)

// Issues is the read and promote surface sessions use. Sessions never write
// the store directly.
type Issues interface {
	Status(ctx context.Context, id string) (*orchestrator.StatusInfo, error)
	Promote(ctx context.Context, id string, d pipeline.Diagnosis, source string) (*pipeline.Issue, error)
}

// Explorer performs agent calls outside the workflow.
type Explorer interface {
	Explore(ctx context.Context, iss *pipeline.Issue, task string) (*pipeline.Diagnosis, error)
	Ask(ctx context.Context, iss *pipeline.Issue, question, task string) (string, error)
}

// Submitter queues an issue's next stage.
type Submitter interface {
	Submit(id string) (*scheduler.Future, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Session event kinds written to the EventLog.
const (
	EventOpened        = "opened"
	EventTurn          = "turn"
	EventUnknownIntent = "unknown_intent"
	EventTurnFailed    = "turn_failed"
	EventPromoted      = "promoted"
	EventClosed        = "closed"
)

// SessionEvents lists every event kind a Manager logs.
var SessionEvents = []string{EventOpened, EventTurn, EventUnknownIntent, EventTurnFailed, EventPromoted, EventClosed}

// EventLog records session activity.
type EventLog interface {
	LogSessionEvent(ctx context.Context, sessionID, issueID, event, metadata string) error
}

// ConnState is the connection state of a session.
type ConnState string

const (
	ConnOpen   ConnState = "open"
	ConnClosed ConnState = "closed"
)

// Turn is one entry of a session transcript.
type Turn struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is a read-only view of a session.
type Session struct {
	ID         string    `json:"session_id"`
	State      ConnState `json:"connection_state"`
	IssueID    string    `json:"associated_issue_id,omitempty"`
	Transcript []Turn    `json:"transcript"`
	CreatedAt  time.Time `json:"created_at"`
}

// Config holds session limits.
type Config struct {
	// TurnTimeout bounds one turn including any agent call. Zero means 2m.
	TurnTimeout time.Duration
	// MaxTranscript keeps the newest turns only. Zero means 200.
	MaxTranscript int
	// MaxSessions caps open sessions. Zero means unlimited.
	MaxSessions int
}

// ErrTooManySessions is returned by Open when MaxSessions are open.
var ErrTooManySessions = errors.New("too many voice sessions")

// Manager owns every open session.
type Manager struct {
	issues      Issues
	explorer    Explorer
	submitter   Submitter
	transcriber Transcriber
	events      EventLog
	cfg         Config
	log         *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager.
func NewManager(issues Issues, explorer Explorer, cfg Config) *Manager {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	if cfg.MaxTranscript <= 0 {
		cfg.MaxTranscript = 200
	}
	return &Manager{
		issues:   issues,
		explorer: explorer,
		cfg:      cfg,
		log:      zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*session),
	}
}

// SetSubmitter enables the run intent.
func (m *Manager) SetSubmitter(s Submitter) { m.submitter = s }

// SetTranscriber enables audio input.
func (m *Manager) SetTranscriber(t Transcriber) { m.transcriber = t }

// SetEventLog sets the session audit log.
func (m *Manager) SetEventLog(l EventLog) { m.events = l }

// SetLogger sets the structured logger.
func (m *Manager) SetLogger(l *zap.Logger) {
	if l != nil {
		m.log = l
	}
}

// SetClock overrides time.Now (for testing).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open starts a session and returns its id.
func (m *Manager) Open(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", ErrTooManySessions
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.NewString(),
		createdAt: m.now(),
		ctx:       sctx,
		cancel:    cancel,
		turns:     make(chan turnRequest),
		done:      make(chan struct{}),
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	go m.loop(s)
	m.log.Info("voice session opened", zap.String("session_id", s.id))
	m.audit(ctx, s.id, "", EventOpened, "")
	return s.id, nil
}

// HandleTurn delivers one input to the session and waits for its reply.
// Turns on the same session are handled in arrival order.
func (m *Manager) HandleTurn(ctx context.Context, id string, in Input) ([]Message, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	reply := make(chan []Message, 1)
	select {
	case s.turns <- turnRequest{ctx: ctx, in: in, reply: reply}:
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case msgs := <-reply:
		if s.ctx.Err() != nil {
			return nil, ErrSessionClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return msgs, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends a session. A turn in flight is cancelled and its result
// discarded. Close waits for the session loop to exit.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.cancel()
	<-s.done
	s.mu.Lock()
	s.state = ConnClosed
	issueID := s.issueID
	s.mu.Unlock()
	m.log.Info("voice session closed", zap.String("session_id", id))
	m.audit(context.Background(), id, issueID, EventClosed, "")
	return nil
}

// Get returns a snapshot of an open session.
func (m *Manager) Get(id string) (Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return s.view(), nil
}

// List returns every open session, oldest first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	out := make([]Session, 0, len(all))
	for _, s := range all {
		out = append(out, s.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown closes every open session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

// --- Helpers ---

type session struct {
	id        string
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	turns     chan turnRequest
	done      chan struct{}

	mu         sync.Mutex
	state      ConnState
	issueID    string
	transcript []Turn
	finding    *finding
}

// finding is the latest exploratory diagnosis, kept until promoted.
type finding struct {
	issueID   string
	diagnosis pipeline.Diagnosis
}

type turnRequest struct {
	ctx   context.Context
	in    Input
	reply chan []Message
}

func (s *session) view() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	if state == "" {
		state = ConnOpen
	}
	return Session{
		ID:         s.id,
		State:      state,
		IssueID:    s.issueID,
		Transcript: append([]Turn(nil), s.transcript...),
		CreatedAt:  s.createdAt,
	}
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// loop serves turns until the session is cancelled.
func (m *Manager) loop(s *session) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.turns:
			ctx, cancel := context.WithTimeout(s.ctx, m.cfg.TurnTimeout)
			stop := context.AfterFunc(req.ctx, cancel)
			msgs := m.handle(ctx, s, req.in)
			stop()
			cancel()
			req.reply <- msgs
		}
	}
}

func (m *Manager) addTurn(s *session, role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Turn{Role: role, Text: text, At: m.now()})
	if over := len(s.transcript) - m.cfg.MaxTranscript; over > 0 {
		s.transcript = append([]Turn(nil), s.transcript[over:]...)
	}
}

func (m *Manager) audit(ctx context.Context, sessionID, issueID, event, metadata string) {
	if m.events == nil {
		return
	}
	if err := m.events.LogSessionEvent(context.WithoutCancel(ctx), sessionID, issueID, event, metadata); err != nil {
		m.log.Warn("session event log failed", zap.String("session_id", sessionID), zap.String("event", event), zap.Error(err))
	}
}
