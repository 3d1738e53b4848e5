// Package session walks technicians through the decision graph. A session's
// position is never stored: it is replayed from the step log on every call.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/graph"
)

var tracer = otel.Tracer("fixflow.session")

// Graph is the part of the graph repository the engine reads.
type Graph interface {
	GetNode(ctx context.Context, id string) (*graph.Node, error)
	GetNodeBySemanticID(ctx context.Context, semanticID string) (*graph.Node, error)
	GetStartNode(ctx context.Context, category string) (*graph.Node, error)
	GetOutgoingEdges(ctx context.Context, nodeID string) ([]graph.Connection, error)
	GetConnection(ctx context.Context, id string) (*graph.Connection, error)
	GetNodes(ctx context.Context, ids []string) (map[string]*graph.Node, error)
}

// Observer receives session lifecycle events. metrics.Collector implements it.
type Observer interface {
	SessionStarted(category string)
	SessionCompleted(category string, steps int)
	AnswerRejected(kind apperr.Kind)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string)        {}
func (nopObserver) SessionCompleted(string, int) {}
func (nopObserver) AnswerRejected(apperr.Kind)   {}

// Engine runs the session state machine.
type Engine struct {
	graph           Graph
	store           *Store
	logger          *zap.Logger
	observer        Observer
	locks           *keyedMutex
	rejectAbandoned bool
	now             func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithObserver reports lifecycle events to o.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithRejectAbandoned makes answers to sessions flagged abandoned fail.
func WithRejectAbandoned(reject bool) EngineOption {
	return func(e *Engine) { e.rejectAbandoned = reject }
}

// WithClock overrides the time source for step timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given graph and session store.
func NewEngine(g Graph, store *Store, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:    g,
		store:    store,
		logger:   logger,
		observer: nopObserver{},
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start resolves the entry node for req.Category (or the global start node)
// and creates an empty session positioned there.
func (e *Engine) Start(ctx context.Context, req StartRequest) (resp *StartResponse, err error) {
	ctx, span := tracer.Start(ctx, "session.Start", trace.WithAttributes(attribute.String("category", req.Category)))
	defer func() { endSpan(span, err) }()

	if err := apperr.ValidateStruct(req); err != nil {
		return nil, err
	}

	node, err := e.graph.GetStartNode(ctx, req.Category)
	if err != nil {
		if apperr.IsNotFound(err) {
			if req.Category != "" {
				return nil, apperr.NotFound("issue category %q not found", req.Category)
			}
			return nil, apperr.Internal("global start node not found; run `fixflow seed`", err)
		}
		return nil, err
	}

	options, err := e.options(ctx, node)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	sess := &Session{
		SessionID:      uuid.NewString(),
		Category:       req.Category,
		StartedAt:      now,
		TechIdentifier: req.TechIdentifier,
		ClientSite:     req.ClientSite,
		IPHash:         hashIP(req.IPAddress),
		UserAgent:      optional(req.UserAgent),
		Steps:          []Step{},
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sess.SessionID))

	e.observer.SessionStarted(req.Category)
	e.logger.Info("session started",
		zap.String("session_id", sess.SessionID),
		zap.String("category", req.Category),
		zap.String("node_id", node.ID),
	)
	return &StartResponse{SessionID: sess.SessionID, Node: node, Options: options}, nil
}

// SubmitAnswer moves a session along connectionID, which must leave the
// node the session is currently on. Reaching a conclusion completes the
// session in the same write that records the step.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID, connectionID string) (state *State, err error) {
	ctx, span := tracer.Start(ctx, "session.SubmitAnswer", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("connection_id", connectionID),
	))
	defer func() {
		if err != nil {
			e.observer.AnswerRejected(apperr.KindOf(err))
		}
		endSpan(span, err)
	}()

	unlock := e.locks.Lock(sessionID)
	defer unlock()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Completed() {
		return nil, apperr.BadRequest("session %q is already completed", sessionID)
	}
	if sess.Abandoned && e.rejectAbandoned {
		return nil, apperr.BadRequest("session %q was abandoned", sessionID)
	}

	conn, err := e.graph.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Active {
		return nil, apperr.NotFound("connection %q not found", connectionID)
	}

	current, err := e.currentNode(ctx, sess)
	if err != nil {
		return nil, err
	}
	if conn.FromNodeID != current.ID {
		return nil, apperr.BadRequest("connection %q is not an answer to the session's current question", connectionID)
	}

	next, err := e.graph.GetNode(ctx, conn.ToNodeID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	sess.Steps = append(sess.Steps, Step{
		NodeID:          current.ID,
		NodeText:        current.Text,
		ConnectionID:    conn.ID,
		ConnectionLabel: conn.Label,
		Timestamp:       now,
	})

	state = &State{SessionID: sessionID, Node: next, Options: []Option{}}
	if next.IsConclusion() {
		text := next.Text
		sess.CompletedAt = &now
		sess.FinalConclusion = &text
		sess.Abandoned = false
		state.IsConclusion = true
		state.ConclusionText = &text
	} else {
		if state.Options, err = e.options(ctx, next); err != nil {
			return nil, err
		}
	}

	if err := e.store.Save(ctx, sess); err != nil {
		return nil, err
	}

	if state.IsConclusion {
		e.observer.SessionCompleted(sess.Category, len(sess.Steps))
		e.logger.Info("session completed",
			zap.String("session_id", sessionID),
			zap.Int("steps", len(sess.Steps)),
			zap.String("conclusion_node_id", next.ID),
		)
	} else {
		e.logger.Debug("answer recorded",
			zap.String("session_id", sessionID),
			zap.String("connection_id", conn.ID),
			zap.String("node_id", next.ID),
		)
	}
	return state, nil
}

// Get replays the step log and returns where the session stands. It writes
// nothing.
func (e *Engine) Get(ctx context.Context, sessionID string) (state *State, err error) {
	ctx, span := tracer.Start(ctx, "session.Get", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer func() { endSpan(span, err) }()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	node, err := e.currentNode(ctx, sess)
	if err != nil {
		return nil, err
	}

	state = &State{SessionID: sessionID, Node: node, Options: []Option{}}
	if node.IsConclusion() || sess.Completed() {
		state.IsConclusion = true
		text := node.Text
		if sess.FinalConclusion != nil {
			text = *sess.FinalConclusion
		}
		state.ConclusionText = &text
		return state, nil
	}
	if state.Options, err = e.options(ctx, node); err != nil {
		return nil, err
	}
	return state, nil
}

// History returns the recorded steps, annotated with the category and kind
// of each step's node where it still exists.
func (e *Engine) History(ctx context.Context, sessionID string) (h *History, err error) {
	ctx, span := tracer.Start(ctx, "session.History", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer func() { endSpan(span, err) }()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(sess.Steps))
	for _, st := range sess.Steps {
		ids = append(ids, st.NodeID)
	}
	nodes, err := e.graph.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}

	h = &History{
		SessionID:       sess.SessionID,
		StartedAt:       sess.StartedAt,
		Completed:       sess.Completed(),
		CompletedAt:     sess.CompletedAt,
		Abandoned:       sess.Abandoned,
		FinalConclusion: sess.FinalConclusion,
		Steps:           make([]HistoryStep, 0, len(sess.Steps)),
	}
	for _, st := range sess.Steps {
		hs := HistoryStep{Step: st}
		if n, ok := nodes[st.NodeID]; ok {
			hs.Category = n.Category
			hs.Kind = n.Kind
		}
		h.Steps = append(h.Steps, hs)
	}
	return h, nil
}

// currentNode derives a session's position from its steps alone: the
// target of the last answered connection, or the entry node when nothing
// has been answered. Inactive nodes and connections are still followed so
// replay stays stable while the graph is edited.
func (e *Engine) currentNode(ctx context.Context, sess *Session) (*graph.Node, error) {
	if len(sess.Steps) == 0 {
		semanticID := graph.GlobalStart
		if sess.Category != "" {
			semanticID = graph.StartSemanticID(sess.Category)
		}
		return e.graph.GetNodeBySemanticID(ctx, semanticID)
	}
	last := sess.Steps[len(sess.Steps)-1]
	conn, err := e.graph.GetConnection(ctx, last.ConnectionID)
	if err != nil {
		return nil, err
	}
	return e.graph.GetNode(ctx, conn.ToNodeID)
}

// options lists the answers available at node in presentation order.
func (e *Engine) options(ctx context.Context, node *graph.Node) ([]Option, error) {
	edges, err := e.graph.GetOutgoingEdges(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return []Option{}, nil
	}

	ids := make([]string, 0, len(edges))
	for _, c := range edges {
		ids = append(ids, c.ToNodeID)
	}
	targets, err := e.graph.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Option, 0, len(edges))
	for _, c := range edges {
		target, ok := targets[c.ToNodeID]
		if !ok {
			e.logger.Warn("connection target missing", zap.String("connection_id", c.ID), zap.String("to_node_id", c.ToNodeID))
			continue
		}
		out = append(out, Option{
			ConnectionID:    c.ID,
			Label:           c.Label,
			TargetCategory:  target.Category,
			DisplayCategory: target.DisplayCategory,
		})
	}
	return out, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func hashIP(ip string) *string {
	if ip == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(ip))
	h := hex.EncodeToString(sum[:])
	return &h
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
