package streamClient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gate4ai/taskstream/clients/streamClient/accumulator"
	"github.com/gate4ai/taskstream/clients/streamClient/connection"
	"github.com/gate4ai/taskstream/clients/streamClient/listeners"
	"github.com/gate4ai/taskstream/clients/streamClient/poll"
	"github.com/gate4ai/taskstream/clients/streamClient/retry"
	"github.com/gate4ai/taskstream/shared"
	"github.com/gate4ai/taskstream/shared/config"
	"github.com/gate4ai/taskstream/shared/schema"
	"go.uber.org/zap"
)

// session is owned by the process loop; nothing else reads or writes it.
type session struct {
	taskID     string
	generation uint64
	settings   config.StreamSettings
	logger     *zap.Logger

	phase        Phase
	content      strings.Builder
	chunks       int
	progress     float64
	result       json.RawMessage
	lastErr      *Error
	degraded     bool
	connState    connection.State
	lastSeq      int64
	hasSeq       bool
	prevFrameID  string // ID of the previous frame on the current connection
	pollFailures int

	conn   *connection.Manager
	acc    *accumulator.Accumulator
	poller *poll.Fallback
	cancel context.CancelFunc
}

func (s *session) snapshot() *Snapshot {
	return &Snapshot{
		TaskID:          s.taskID,
		Generation:      s.generation,
		ConnectionState: s.connState,
		Phase:           s.phase,
		Content:         s.content.String(),
		Chunks:          s.chunks,
		Progress:        s.progress,
		Result:          s.result,
		Err:             s.lastErr,
		Degraded:        s.degraded,
	}
}

// teardown releases the session's connection, poll loop and pending chunks.
// It is idempotent.
func (s *session) teardown() {
	if s.conn != nil {
		s.conn.Close()
		s.connState = connection.StateClosed
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.acc != nil {
		s.acc.Discard()
	}
}

func (c *Client) startSession(taskID string, settings config.StreamSettings) {
	if old := c.session; old != nil {
		old.logger.Info("Replacing session")
		old.teardown()
	}

	c.generation++
	gen := c.generation
	s := &session{
		taskID:     taskID,
		generation: gen,
		settings:   settings,
		logger:     c.logger.With(zap.String("taskID", taskID), zap.Uint64("generation", gen), zap.String("session", shared.RandomID())),
		phase:      PhaseStarting,
		connState:  connection.StateIdle,
	}
	c.session = s

	s.acc = accumulator.NewWithDue(settings.FlushInterval,
		func(batch []string) { c.appendContent(s, strings.Join(batch, ""), len(batch), true) },
		func(token uint64) { c.post(gen, func() { s.acc.FlushDue(token) }) },
	)

	s.conn = connection.New(
		retry.NewLinear(settings.ReconnectBaseDelay, settings.MaxReconnectAttempts),
		settings.StreamURL,
		connection.WithLogger(c.logger),
		connection.WithHTTPClient(c.streamHTTPClient),
		connection.WithHeaders(c.headers),
		connection.WithStateObserver(func(t connection.Transition) {
			c.post(gen, func() { c.onConnectionState(s, t) })
		}),
	)
	c.registerFrameHandlers(s)

	source := c.statusSource
	if source == nil {
		source = poll.NewHTTPSource(settings.StatusURL,
			poll.WithHTTPClient(c.httpClient),
			poll.WithTimeout(settings.RequestTimeout),
			poll.WithHeaders(c.headers),
			poll.WithSourceLogger(c.logger),
		)
	}
	s.poller = poll.New(source, func(u poll.Update) {
		c.post(gen, func() { c.onPoll(s, u) })
	}, c.logger)

	c.publish(s)
	c.emitState(s)
	s.logger.Info("Session started")

	s.conn.Open(taskID)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.poller.Start(ctx, taskID, settings.PollInterval)
}

// registerFrameHandlers decodes push frames on the transport goroutine and
// hands the results to the loop. Decoding failures surface through the
// registry's error reporter.
func (c *Client) registerFrameHandlers(s *session) {
	gen := s.generation
	registry := s.conn.Registry()
	registry.SetErrorReporter(func(frame listeners.Frame, _ listeners.Handle, err error) {
		c.post(gen, func() { c.onMalformedFrame(s, frame, err) })
	})

	registry.Add(schema.EventChunk, func(f listeners.Frame) error {
		var chunk schema.ChunkFrame
		if err := json.Unmarshal(f.Payload, &chunk); err != nil {
			return fmt.Errorf("decode %s frame: %w", f.Name, err)
		}
		c.post(gen, func() { c.onChunk(s, f.ID, chunk.Text) })
		return nil
	})
	registry.Add(schema.EventStatus, func(f listeners.Frame) error {
		var status schema.StatusFrame
		if err := json.Unmarshal(f.Payload, &status); err != nil {
			return fmt.Errorf("decode %s frame: %w", f.Name, err)
		}
		c.post(gen, func() { c.onPushStatus(s, status) })
		return nil
	})
	registry.Add(schema.EventError, func(f listeners.Frame) error {
		var frame schema.ErrorFrame
		if err := json.Unmarshal(f.Payload, &frame); err != nil {
			return fmt.Errorf("decode %s frame: %w", f.Name, err)
		}
		c.post(gen, func() { c.onPushError(s, frame) })
		return nil
	})
	registry.Add(schema.EventDone, func(listeners.Frame) error {
		c.post(gen, func() { c.onPushDone(s) })
		return nil
	})
	registry.Add(listeners.Wildcard, func(f listeners.Frame) error {
		frame := listeners.Frame{Name: f.Name, ID: f.ID, Payload: bytes.Clone(f.Payload)}
		c.post(gen, func() { c.onFrame(s, frame) })
		return nil
	})
}

func (c *Client) onChunk(s *session, id string, text string) {
	if s.phase.Terminal() {
		return
	}
	// Frames without an id line inherit the previous one; only a fresh id
	// takes part in replay detection.
	if seq, err := strconv.ParseInt(id, 10, 64); err == nil && id != s.prevFrameID {
		if s.hasSeq && seq <= s.lastSeq {
			s.logger.Debug("Dropping replayed chunk", zap.Int64("seq", seq), zap.Int64("lastSeq", s.lastSeq))
			return
		}
		s.lastSeq, s.hasSeq = seq, true
	}
	if s.phase == PhaseStarting {
		s.phase = PhaseStreaming
		c.publish(s)
		c.emitState(s)
	}
	if text != "" {
		s.acc.Push(text)
	}
}

func (c *Client) onPushStatus(s *session, status schema.StatusFrame) {
	if s.phase.Terminal() || status.Progress <= 0 || status.Progress == s.progress {
		return
	}
	s.progress = status.Progress
	c.publish(s)
	c.emitState(s)
}

func (c *Client) onPushError(s *session, frame schema.ErrorFrame) {
	if s.phase.Terminal() {
		return
	}
	message := frame.Message
	if frame.Code != "" {
		message = frame.Code + ": " + message
	}
	s.logger.Warn("Push channel reported an error", zap.String("code", frame.Code), zap.String("message", frame.Message))
	c.recordError(s, newError(CodeServer, message, nil))
}

// onPushDone asks the status endpoint right away. The push channel never
// decides that a task is over.
func (c *Client) onPushDone(s *session) {
	if s.phase.Terminal() {
		return
	}
	s.logger.Debug("Push channel reported done, polling status")
	s.poller.Poke()
}

func (c *Client) onMalformedFrame(s *session, frame listeners.Frame, err error) {
	if s.phase.Terminal() {
		return
	}
	if c.malformedLogs.Allow() {
		s.logger.Warn("Dropping malformed frame", zap.String("event", frame.Name), zap.String("id", frame.ID), zap.Error(err))
	}
	c.recordError(s, newError(CodeMalformedFrame, "malformed "+frame.Name+" frame", err))
}

// onFrame runs for every push frame after its specific handler.
func (c *Client) onFrame(s *session, frame listeners.Frame) {
	s.prevFrameID = frame.ID
	if s.phase.Terminal() {
		return
	}
	switch frame.Name {
	case EventState, EventContent, EventError:
		return
	}
	c.notify.emit(Event{
		Name:       frame.Name,
		TaskID:     s.taskID,
		Generation: s.generation,
		State:      *s.snapshot(),
		Frame:      frame,
	})
}

func (c *Client) onConnectionState(s *session, t connection.Transition) {
	if s.phase.Terminal() || t.To == s.connState {
		return
	}
	s.connState = t.To
	switch t.To {
	case connection.StateOpen:
		s.prevFrameID = ""
	case connection.StateReconnecting:
		s.logger.Info("Push channel reconnecting", zap.Int("attempt", t.Attempt), zap.Duration("delay", t.Delay), zap.Error(t.Err))
	case connection.StateFailed:
		// The session carries on with polling alone.
		s.degraded = true
		s.logger.Warn("Push channel failed, continuing on status polling", zap.Error(t.Err))
	}
	c.publish(s)
	c.emitState(s)
	if t.To == connection.StateFailed {
		c.recordError(s, newError(CodeDegraded, "push channel unavailable, falling back to polling", t.Err))
	}
}

func (c *Client) onPoll(s *session, u poll.Update) {
	if s.phase.Terminal() {
		return
	}
	if u.Err != nil {
		s.pollFailures = u.ConsecutiveFailures
		if s.pollFailures > s.settings.MaxPollFailures {
			c.finish(s, PhaseErrored, newError(CodePollFailed,
				fmt.Sprintf("status polling failed %d times in a row", s.pollFailures), u.Err))
		}
		return
	}
	s.pollFailures = 0
	status := u.Status

	changed := false
	if status.Progress > 0 && status.Progress != s.progress {
		s.progress = status.Progress
		changed = true
	}
	if len(status.Result) > 0 && !bytes.Equal(status.Result, s.result) {
		s.result = status.Result
		changed = true
	}

	if status.Status.IsTerminal() {
		s.acc.FlushNow()
		c.reconcileOutput(s, shared.StringPtrToString(status.Output))
		if status.Status == schema.TaskStateCompleted {
			c.finish(s, PhaseComplete, nil)
			return
		}
		message := status.Error
		if message == "" {
			message = "task " + string(status.Status)
		}
		c.finish(s, PhaseErrored, newError(CodeTaskFailed, message, nil))
		return
	}

	if s.degraded && status.Output != nil {
		s.acc.FlushNow()
		c.reconcileOutput(s, *status.Output)
	}
	if changed {
		c.publish(s)
		c.emitState(s)
	}
}

// reconcileOutput appends whatever the full output has beyond the content
// already held. Output that does not extend the content is ignored.
func (c *Client) reconcileOutput(s *session, output string) {
	current := s.content.String()
	if !strings.HasPrefix(output, current) {
		if !strings.HasPrefix(current, output) {
			s.logger.Warn("Polled output diverges from streamed content", zap.Int("contentLen", len(current)), zap.Int("outputLen", len(output)))
		}
		return
	}
	if tail := output[len(current):]; tail != "" {
		c.appendContent(s, tail, 1, true)
	}
}

// appendContent is the only place content grows.
func (c *Client) appendContent(s *session, text string, pieces int, notify bool) {
	if text == "" {
		return
	}
	s.content.WriteString(text)
	s.chunks += pieces
	started := s.phase == PhaseStarting
	if started {
		s.phase = PhaseStreaming
	}
	c.publish(s)
	if started {
		c.emitState(s)
	}
	if notify {
		c.notify.emit(Event{
			Name:       EventContent,
			TaskID:     s.taskID,
			Generation: s.generation,
			State:      *s.snapshot(),
			Delta:      text,
		})
	}
}

func (c *Client) recordError(s *session, err *Error) {
	s.lastErr = err
	c.publish(s)
	c.emitError(s, err)
}

// finish moves the session to a terminal phase exactly once.
func (c *Client) finish(s *session, phase Phase, err *Error) {
	if s.phase.Terminal() {
		return
	}
	s.teardown()
	s.phase = phase
	if err != nil {
		s.lastErr = err
	}
	c.publish(s)
	c.emitState(s)
	if err != nil {
		c.emitError(s, err)
	}
	s.logger.Info("Session finished", zap.Stringer("phase", phase), zap.Int("chunks", s.chunks))
}

func (c *Client) stopSession(reason string) {
	s := c.session
	if s == nil || s.phase.Terminal() {
		return
	}
	// Buffered chunks are kept but not announced.
	if pending := s.acc.Drain(); len(pending) > 0 {
		c.appendContent(s, strings.Join(pending, ""), len(pending), false)
	}
	c.finish(s, PhaseErrored, newError(CodeCancelled, reason, nil))
}

func (c *Client) publish(s *session) {
	c.snapshot.Store(s.snapshot())
}

func (c *Client) emitState(s *session) {
	c.notify.emit(Event{Name: EventState, TaskID: s.taskID, Generation: s.generation, State: *s.snapshot()})
}

func (c *Client) emitError(s *session, err *Error) {
	c.notify.emit(Event{Name: EventError, TaskID: s.taskID, Generation: s.generation, State: *s.snapshot(), Err: err})
}
