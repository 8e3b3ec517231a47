package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.FlowSettings.PublishRateLimit = 1 * time.Millisecond
	settings.CorrelationSettings.RequestTimeout = 2 * time.Second
	settings.PresenceSettings.WillDelay = 30 * time.Millisecond
	return settings
}

type presenceRecorder struct {
	mutex  sync.Mutex
	events []*PresenceEvent
}

func (self *presenceRecorder) record(event *PresenceEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.events = append(self.events, event)
}

func (self *presenceRecorder) find(action PresenceAction, clientId Id) *PresenceEvent {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, event := range self.events {
		if event.Action == action && event.ClientId == clientId {
			return event
		}
	}
	return nil
}

// owner creates, joiner requests, owner approves, replicas converge
func TestSessionGrantAndConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	owner := NewSession(ctx, broker.OpenTransport(), "owner", newTestSessionSettings())
	defer owner.Close()
	assert.Equal(t, owner.Connect(ctx, nil), nil)
	owner.SetDecideFunction(func(requesterUsername string) bool {
		return true
	})

	fileId, err := owner.CreateDocument(ctx, "the quick brown fox")
	assert.Equal(t, err, nil)
	assert.Equal(t, owner.IsOwner(), true)
	assert.Equal(t, owner.HasEditAccess(), true)

	joiner := NewSession(ctx, broker.OpenTransport(), "joiner", newTestSessionSettings())
	defer joiner.Close()
	assert.Equal(t, joiner.Connect(ctx, nil), nil)

	outcome, err := joiner.JoinDocument(ctx, fileId)
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome, JoinGranted)
	assert.Equal(t, joiner.HasEditAccess(), true)
	assert.Equal(t, joiner.IsOwner(), false)

	// the joiner converges to the owner's last published value
	waitFor(t, 2*time.Second, func() bool {
		return joiner.Content() == "the quick brown fox"
	})

	// owner edits propagate
	assert.Equal(t, owner.Edit("the quick brown fox jumps"), nil)
	waitFor(t, 2*time.Second, func() bool {
		return joiner.Content() == "the quick brown fox jumps"
	})

	// multiple approved editors write the same register: last writer wins
	assert.Equal(t, joiner.Edit("over the lazy dog"), nil)
	waitFor(t, 2*time.Second, func() bool {
		return owner.Content() == "over the lazy dog"
	})
}

// no owner responds: the request resolves as timeout and the session
// stays unjoined
func TestSessionJoinTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	settings := newTestSessionSettings()
	settings.CorrelationSettings.RequestTimeout = 200 * time.Millisecond
	joiner := NewSession(ctx, broker.OpenTransport(), "joiner", settings)
	defer joiner.Close()
	assert.Equal(t, joiner.Connect(ctx, nil), nil)

	outcome, err := joiner.JoinDocument(ctx, NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome, JoinTimeout)
	assert.Equal(t, joiner.HasEditAccess(), false)
	_, hasFile := joiner.FileId()
	assert.Equal(t, hasFile, false)
	assert.Equal(t, joiner.Content(), "")
}

func TestSessionJoinDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	owner := NewSession(ctx, broker.OpenTransport(), "owner", newTestSessionSettings())
	defer owner.Close()
	assert.Equal(t, owner.Connect(ctx, nil), nil)
	owner.SetDecideFunction(func(requesterUsername string) bool {
		return false
	})

	fileId, err := owner.CreateDocument(ctx, "private notes")
	assert.Equal(t, err, nil)

	joiner := NewSession(ctx, broker.OpenTransport(), "joiner", newTestSessionSettings())
	defer joiner.Close()
	assert.Equal(t, joiner.Connect(ctx, nil), nil)

	outcome, err := joiner.JoinDocument(ctx, fileId)
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome, JoinDenied)
	assert.Equal(t, joiner.HasEditAccess(), false)
	// denied: editing is refused locally
	assert.Equal(t, errors.Is(joiner.Edit("sneaky"), ErrNoEditAccess), true)
}

// presence: joined and left are explicit; peers see them, the sender
// does not see its own
func TestSessionPresenceJoinLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	owner := NewSession(ctx, broker.OpenTransport(), "owner", newTestSessionSettings())
	defer owner.Close()
	assert.Equal(t, owner.Connect(ctx, nil), nil)
	owner.SetDecideFunction(func(requesterUsername string) bool {
		return true
	})

	recorder := &presenceRecorder{}
	owner.AddPresenceCallback(recorder.record)

	fileId, err := owner.CreateDocument(ctx, "")
	assert.Equal(t, err, nil)

	joiner := NewSession(ctx, broker.OpenTransport(), "joiner", newTestSessionSettings())
	defer joiner.Close()
	assert.Equal(t, joiner.Connect(ctx, nil), nil)

	outcome, err := joiner.JoinDocument(ctx, fileId)
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome, JoinGranted)

	waitFor(t, 2*time.Second, func() bool {
		return recorder.find(PresenceJoined, joiner.ClientId()) != nil
	})
	joined := recorder.find(PresenceJoined, joiner.ClientId())
	assert.Equal(t, joined.User, "joiner")

	assert.Equal(t, joiner.Leave(ctx), nil)
	waitFor(t, 2*time.Second, func() bool {
		return recorder.find(PresenceLeft, joiner.ClientId()) != nil
	})

	// the owner never sees its own joined event
	assert.Equal(t, recorder.find(PresenceJoined, owner.ClientId()), nil)
	// the joiner's replica is destroyed on leave
	assert.Equal(t, joiner.Content(), "")
	assert.Equal(t, joiner.HasEditAccess(), false)
}

// a connection that vanishes without a clean disconnect is detected by
// peers through the deferred testament
func TestSessionUnexpectedDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	owner := NewSession(ctx, broker.OpenTransport(), "owner", newTestSessionSettings())
	defer owner.Close()
	assert.Equal(t, owner.Connect(ctx, nil), nil)
	owner.SetDecideFunction(func(requesterUsername string) bool {
		return true
	})

	recorder := &presenceRecorder{}
	owner.AddPresenceCallback(recorder.record)

	fileId, err := owner.CreateDocument(ctx, "shared")
	assert.Equal(t, err, nil)

	joiner := NewSession(ctx, broker.OpenTransport(), "joiner", newTestSessionSettings())
	defer joiner.Close()
	assert.Equal(t, joiner.Connect(ctx, nil), nil)

	outcome, err := joiner.JoinDocument(ctx, fileId)
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome, JoinGranted)

	// the joiner vanishes uncleanly
	broker.DropTransport(joiner.ClientId())

	waitFor(t, 2*time.Second, func() bool {
		return recorder.find(PresenceDisconnectedUnexpected, joiner.ClientId()) != nil
	})
	disconnected := recorder.find(PresenceDisconnectedUnexpected, joiner.ClientId())
	assert.Equal(t, disconnected.User, "joiner")
}

// a clean close cancels pending requests exactly once and does not fire
// the testament
func TestSessionCloseCancelsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	watcher := NewSession(ctx, broker.OpenTransport(), "watcher", newTestSessionSettings())
	defer watcher.Close()
	assert.Equal(t, watcher.Connect(ctx, nil), nil)
	recorder := &presenceRecorder{}
	watcher.AddPresenceCallback(recorder.record)

	settings := newTestSessionSettings()
	settings.CorrelationSettings.RequestTimeout = 10 * time.Second
	joiner := NewSession(ctx, broker.OpenTransport(), "joiner", settings)
	assert.Equal(t, joiner.Connect(ctx, nil), nil)

	type joinResult struct {
		outcome JoinOutcome
		err     error
	}
	result := make(chan joinResult, 1)
	go func() {
		outcome, err := joiner.JoinDocument(ctx, NewId())
		result <- joinResult{
			outcome: outcome,
			err:     err,
		}
	}()

	// let the request get registered, then tear the session down
	time.Sleep(100 * time.Millisecond)
	joiner.Close()

	r := <-result
	assert.Equal(t, errors.Is(r.err, ErrSessionClosed), true)

	// clean disconnect: no testament for the joiner
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, recorder.find(PresenceDisconnectedUnexpected, joiner.ClientId()), nil)
}

// a dropped connection is resumed in place: flow state resets and the
// file subscriptions are restored, so edits flow again in both directions
func TestSessionReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	owner := NewSession(ctx, broker.OpenTransport(), "owner", newTestSessionSettings())
	defer owner.Close()
	assert.Equal(t, owner.Connect(ctx, nil), nil)
	owner.SetDecideFunction(func(requesterUsername string) bool {
		return true
	})

	fileId, err := owner.CreateDocument(ctx, "before the drop")
	assert.Equal(t, err, nil)

	joiner := NewSession(ctx, broker.OpenTransport(), "joiner", newTestSessionSettings())
	defer joiner.Close()
	assert.Equal(t, joiner.Connect(ctx, nil), nil)

	outcome, err := joiner.JoinDocument(ctx, fileId)
	assert.Equal(t, err, nil)
	assert.Equal(t, outcome, JoinGranted)
	waitFor(t, 2*time.Second, func() bool {
		return joiner.Content() == "before the drop"
	})

	broker.DropTransport(joiner.ClientId())
	assert.Equal(t, joiner.Reconnect(ctx), nil)

	// inbound: the restored register subscription carries new edits
	assert.Equal(t, owner.Edit("after the drop"), nil)
	waitFor(t, 2*time.Second, func() bool {
		return joiner.Content() == "after the drop"
	})

	// outbound: the reset queue dispatches again
	assert.Equal(t, joiner.Edit("joiner after reconnect"), nil)
	waitFor(t, 2*time.Second, func() bool {
		return owner.Content() == "joiner after reconnect"
	})
}

// reconnecting while a request is outstanding resolves the request as
// session-closed exactly once, and the session is usable afterward
func TestSessionReconnectCancelsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	settings := newTestSessionSettings()
	settings.CorrelationSettings.RequestTimeout = 10 * time.Second
	session := NewSession(ctx, broker.OpenTransport(), "joiner", settings)
	defer session.Close()
	assert.Equal(t, session.Connect(ctx, nil), nil)

	type joinResult struct {
		outcome JoinOutcome
		err     error
	}
	result := make(chan joinResult, 1)
	go func() {
		outcome, err := session.JoinDocument(ctx, NewId())
		result <- joinResult{
			outcome: outcome,
			err:     err,
		}
	}()

	time.Sleep(100 * time.Millisecond)
	broker.DropTransport(session.ClientId())
	assert.Equal(t, session.Reconnect(ctx), nil)

	r := <-result
	assert.Equal(t, errors.Is(r.err, ErrSessionClosed), true)

	// the re-armed session can host a document
	_, err := session.CreateDocument(ctx, "fresh start")
	assert.Equal(t, err, nil)
	assert.Equal(t, session.Content(), "fresh start")
}

func TestSessionEditRequiresAccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	defer broker.Close()

	session := NewSession(ctx, broker.OpenTransport(), "user", newTestSessionSettings())
	defer session.Close()
	assert.Equal(t, session.Connect(ctx, nil), nil)

	assert.Equal(t, errors.Is(session.Edit("nope"), ErrNoEditAccess), true)
}
