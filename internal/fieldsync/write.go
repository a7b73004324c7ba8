package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiftboard/shiftsync/internal/queue"
	"github.com/shiftboard/shiftsync/internal/store"
)

// writeOutcome reports what a read-merge-write did.
type writeOutcome int

const (
	outcomeWritten writeOutcome = iota
	outcomeDuplicate
	outcomeStale
)

// writeLoop drains due writes, modelled on a debounced change queue: every tick
// it writes the fields whose debounce window has closed.
func (s *Synchronizer) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Flush(s.ctx)
		case <-s.kick:
			s.Flush(s.ctx)
		}
	}
}

func (s *Synchronizer) eventLoop(events <-chan store.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.HandleEvent(ev)
		}
	}
}

// Flush writes every field whose debounce window has closed. A failure on one
// field does not stop the others.
func (s *Synchronizer) Flush(ctx context.Context) {
	now := s.config.Now()

	type due struct {
		name  string
		value json.RawMessage
		opID  string
		epoch int64
	}
	var batch []due

	s.mu.Lock()
	for name, f := range s.fields {
		p := f.pending
		if p == nil || p.status != StatusPending || p.dueAt.After(now) {
			continue
		}
		p.status = StatusWriting
		batch = append(batch, due{name: name, value: p.value, opID: p.opID, epoch: p.epoch})
	}
	s.mu.Unlock()

	for _, d := range batch {
		wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		outcome, gen, err := s.readMergeWrite(wctx, d.name, d.value, d.opID, d.epoch)
		cancel()

		switch {
		case err == nil:
			s.finish(d.name, d.opID, gen, outcome)
		case store.IsTransient(err):
			s.handOff(d.name, d.opID, err)
		default:
			s.logger.Error("write failed", "field", d.name, "error", err)
			s.retryLater(d.name, d.opID)
		}
	}
}

// Send implements queue.Sender, replaying a queued write. An operation that a
// newer local publish has superseded is acknowledged without writing.
func (s *Synchronizer) Send(ctx context.Context, op queue.Operation) error {
	if op.Type != "put" {
		return fmt.Errorf("unsupported operation type %q: %w", op.Type, queue.ErrPermanent)
	}
	if op.Collection == "" {
		return fmt.Errorf("operation %s has no field: %w", op.ID, queue.ErrPermanent)
	}

	s.mu.Lock()
	f := s.fieldLocked(op.Collection)
	epoch := op.Epoch
	if p := f.pending; p != nil {
		if p.opID != op.ID {
			s.mu.Unlock()
			return nil
		}
		epoch = p.epoch
		p.status = StatusWriting
	}
	s.mu.Unlock()

	outcome, gen, err := s.readMergeWrite(ctx, op.Collection, op.Payload, op.ID, epoch)
	if err != nil {
		if store.IsTransient(err) {
			s.markQueued(op.Collection, op.ID)
			return err
		}
		s.retryLater(op.Collection, op.ID)
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	}
	s.finish(op.Collection, op.ID, gen, outcome)
	return nil
}

// readMergeWrite stores value for field, merging with a concurrent remote change
// it has not seen yet. While the field's pending write still carries opID, its
// current value is written instead of value. The returned generation is the one
// of the pending value that was written.
func (s *Synchronizer) readMergeWrite(ctx context.Context, name string, value json.RawMessage, opID string, epoch int64) (writeOutcome, uint64, error) {
	path := s.Path(name)
	var gen uint64

	for attempt := 0; attempt < s.config.CASRetries; attempt++ {
		raw, etag, err := s.read(ctx, path)
		if err != nil {
			s.noteError(err)
			return outcomeWritten, gen, err
		}
		s.noteOnline()

		s.mu.Lock()
		if p := s.fieldLocked(name).pending; p != nil && p.opID == opID {
			value, gen = p.value, p.gen
		}
		s.mu.Unlock()

		out := value
		outEpoch := epoch
		if cur, ok := DecodeEnvelope(raw); ok {
			if cur.OpID != "" && cur.OpID == opID {
				return outcomeDuplicate, gen, nil
			}
			if epoch >= 0 && cur.Epoch > epoch {
				s.discardStale(name, opID, cur)
				return outcomeStale, gen, nil
			}
			if cur.Epoch > outEpoch {
				outEpoch = cur.Epoch
			}
			if s.unseen(name, cur) {
				out = s.resolver.Resolve(name, value, cur.Value)
				s.mergedDuringWrite(name, opID, out, cur)
			}
		}
		if outEpoch < 0 {
			outEpoch = 0
		}

		env := Envelope{
			Value:     out,
			DeviceID:  s.deviceID,
			UpdatedAt: s.config.Now().UnixMilli(),
			OpID:      opID,
			Epoch:     outEpoch,
		}
		err = s.write(ctx, path, env, etag)
		if errors.Is(err, store.ErrPreconditionFailed) {
			s.logger.Debug("write raced, retrying", "field", name, "attempt", attempt+1)
			continue
		}
		if err != nil {
			s.noteError(err)
			return outcomeWritten, gen, err
		}

		s.mu.Lock()
		f := s.fieldLocked(name)
		f.seenOpID = opID
		f.lastRemoteAt = env.UpdatedAt
		f.loaded = true
		if env.Epoch > f.epoch {
			f.epoch = env.Epoch
		}
		if p := f.pending; p != nil && p.epoch < 0 {
			p.epoch = f.epoch
		}
		s.mu.Unlock()
		return outcomeWritten, gen, nil
	}
	return outcomeWritten, gen, fmt.Errorf("write %s: %w after %d attempts", name, store.ErrPreconditionFailed, s.config.CASRetries)
}

// unseen reports whether cur is a remote change this device has not merged yet.
func (s *Synchronizer) unseen(name string, cur *Envelope) bool {
	if cur.DeviceID == s.deviceID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fieldLocked(name)
	return cur.OpID == "" || cur.OpID != f.seenOpID
}

// mergedDuringWrite folds a merge made at write time back into local state.
func (s *Synchronizer) mergedDuringWrite(name, opID string, merged json.RawMessage, cur *Envelope) {
	s.mu.Lock()
	f := s.fieldLocked(name)
	if f.pending != nil && f.pending.opID != opID {
		// A newer publish will write over this; it merges on its own.
		s.mu.Unlock()
		return
	}
	f.value = merged
	if f.pending != nil {
		f.pending.value = merged
	}
	f.seenOpID = cur.OpID
	f.loaded = true
	subs := append([]Callback(nil), f.subs...)
	s.mu.Unlock()

	notify(subs, name, merged)
}

// discardStale drops a write prepared before the stored epoch and adopts the
// stored value.
func (s *Synchronizer) discardStale(name, opID string, cur *Envelope) {
	s.mu.Lock()
	f := s.fieldLocked(name)
	if f.pending != nil && f.pending.opID != opID {
		s.mu.Unlock()
		return
	}
	f.pending = nil
	f.value = cur.Value
	f.epoch = cur.Epoch
	f.seenOpID = cur.OpID
	f.lastRemoteAt = cur.UpdatedAt
	f.loaded = true
	subs := append([]Callback(nil), f.subs...)
	s.mu.Unlock()

	s.logger.Info("discarding write from previous epoch", "field", name, "epoch", cur.Epoch)
	notify(subs, name, cur.Value)
}

func (s *Synchronizer) read(ctx context.Context, path string) (json.RawMessage, string, error) {
	if s.cas != nil {
		return s.cas.GetVersioned(ctx, path)
	}
	raw, err := s.store.Get(ctx, path)
	return raw, "", err
}

func (s *Synchronizer) write(ctx context.Context, path string, env Envelope, etag string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if s.cas != nil {
		return s.cas.PutIfMatch(ctx, path, data, etag)
	}
	return s.store.Put(ctx, path, data)
}

// finish clears the pending write unless a newer change arrived meanwhile.
func (s *Synchronizer) finish(name, opID string, gen uint64, outcome writeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fieldLocked(name)
	p := f.pending
	if p == nil || p.opID != opID {
		return
	}
	if outcome == outcomeWritten && p.gen != gen {
		// Merged while writing: write again under a fresh op id.
		p.opID = uuid.NewString()
		p.status = StatusPending
		p.dueAt = s.config.Now()
		return
	}
	f.pending = nil
	if outcome == outcomeWritten {
		s.logger.Debug("field written", "field", name)
	}
}

// handOff moves a failed write to the offline queue.
func (s *Synchronizer) handOff(name, opID string, cause error) {
	s.mu.Lock()
	f := s.fieldLocked(name)
	p := f.pending
	if p == nil || p.opID != opID {
		s.mu.Unlock()
		return
	}
	if s.config.Queue == nil {
		p.status = StatusPending
		p.dueAt = s.config.Now().Add(s.config.RetryInterval)
		s.mu.Unlock()
		return
	}
	op := queue.Operation{
		ID:         p.opID,
		Type:       "put",
		Collection: name,
		Payload:    p.value,
		DeviceID:   s.deviceID,
		Timestamp:  s.config.Now().UnixMilli(),
		Epoch:      p.epoch,
	}
	p.status = StatusQueued
	s.mu.Unlock()

	if _, err := s.config.Queue.Enqueue(op); err != nil {
		s.logger.Warn("could not queue write, retrying later", "field", name, "error", err)
		s.retryLater(name, opID)
		return
	}
	s.logger.Info("write queued while offline", "field", name, "op", opID, "cause", cause)
}

func (s *Synchronizer) markQueued(name, opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.fieldLocked(name).pending; p != nil && p.opID == opID {
		p.status = StatusQueued
	}
}

func (s *Synchronizer) retryLater(name, opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.fieldLocked(name).pending; p != nil && p.opID == opID {
		p.status = StatusPending
		p.dueAt = s.config.Now().Add(s.config.RetryInterval)
	}
}

var _ queue.Sender = (*Synchronizer)(nil)
