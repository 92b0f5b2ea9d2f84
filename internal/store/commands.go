package store

import (
	"time"

	"utm_sector/internal/model"
)

// EnqueueCommand validates, persists and queues a command for delivery.
// At most one non-acknowledged, non-expired command per drone of a given
// kind may exist; violations return ErrConflict.
func (w *World) EnqueueCommand(cmd model.Command) error {
	if cmd.CommandID == "" || cmd.DroneID == "" || !cmd.Payload.Known() {
		return model.ErrInvalidInput
	}
	if !cmd.ExpiresAt.After(cmd.IssuedAt) {
		return model.ErrInvalidInput
	}
	if cmd.State == "" {
		cmd.State = model.CommandIssued
	}

	w.cmdMu.Lock()
	if _, exists := w.commands[cmd.CommandID]; exists {
		w.cmdMu.Unlock()
		return model.ErrConflict
	}
	for _, id := range w.queues[cmd.DroneID] {
		pending := w.commands[id]
		if pending.Payload.Type == cmd.Payload.Type && !pending.Terminal() {
			w.cmdMu.Unlock()
			return model.ErrConflict
		}
	}
	w.cmdMu.Unlock()

	if err := w.persister.UpsertCommand(cmd); err != nil {
		return w.persistFailed("persist command", err)
	}

	w.cmdMu.Lock()
	stored := cmd
	w.commands[cmd.CommandID] = &stored
	w.queues[cmd.DroneID] = append(w.queues[cmd.DroneID], cmd.CommandID)
	w.cmdMu.Unlock()

	if w.events != nil {
		w.events.PublishCommand(cmd)
	}
	return nil
}

// PopNextCommand returns the oldest non-expired, non-acknowledged command
// for a drone and marks it Delivered. Repeated calls return the same
// command until it is acknowledged or expires.
func (w *World) PopNextCommand(droneID string) (model.Command, bool) {
	now := time.Now().UTC()

	w.cmdMu.Lock()
	var delivered *model.Command
	for _, id := range w.queues[droneID] {
		cmd := w.commands[id]
		if cmd.Terminal() || !cmd.ExpiresAt.After(now) {
			continue
		}
		if cmd.State == model.CommandIssued {
			cmd.State = model.CommandDelivered
		}
		delivered = cmd
		break
	}
	var out model.Command
	if delivered != nil {
		out = *delivered
	}
	w.cmdMu.Unlock()

	if delivered == nil {
		return model.Command{}, false
	}
	// Delivery marking persists best-effort: a crash re-delivers, which the
	// pull contract allows.
	if err := w.persister.UpsertCommand(out); err != nil {
		w.persistFailed("persist command delivery", err)
	}
	return out, true
}

// MarkDelivered records push delivery of a command. Terminal commands are
// left alone.
func (w *World) MarkDelivered(commandID string) {
	w.cmdMu.Lock()
	cmd, ok := w.commands[commandID]
	if !ok || cmd.Terminal() || cmd.State == model.CommandDelivered {
		w.cmdMu.Unlock()
		return
	}
	cmd.State = model.CommandDelivered
	out := *cmd
	w.cmdMu.Unlock()

	if err := w.persister.UpsertCommand(out); err != nil {
		w.persistFailed("persist command delivery", err)
	}
}

// AckCommand acknowledges a command, applies the drone's status transition
// and records the cooldown timestamp. Terminal commands never mutate again.
func (w *World) AckCommand(commandID string) (model.Command, error) {
	now := time.Now().UTC()

	w.cmdMu.Lock()
	cmd, ok := w.commands[commandID]
	if !ok {
		w.cmdMu.Unlock()
		return model.Command{}, model.ErrNotFound
	}
	if cmd.Terminal() {
		w.cmdMu.Unlock()
		return model.Command{}, model.ErrConflict
	}
	prev := *cmd
	cmd.State = model.CommandAcked
	cmd.Acknowledged = true
	cmd.AckedAt = &now
	w.lastAck[ackKey(cmd.DroneID, cmd.Payload.Type)] = now
	w.removeFromQueueLocked(cmd.DroneID, commandID)
	out := *cmd
	w.cmdMu.Unlock()

	if err := w.persister.UpsertCommand(out); err != nil {
		w.cmdMu.Lock()
		restored := prev
		w.commands[commandID] = &restored
		w.queues[prev.DroneID] = append(w.queues[prev.DroneID], commandID)
		delete(w.lastAck, ackKey(prev.DroneID, prev.Payload.Type))
		w.cmdMu.Unlock()
		return model.Command{}, w.persistFailed("persist command ack", err)
	}

	w.applyDroneTransition(&out)
	return out, nil
}

// CommandDroneID resolves which drone a command belongs to.
func (w *World) CommandDroneID(commandID string) (string, bool) {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	cmd, ok := w.commands[commandID]
	if !ok {
		return "", false
	}
	return cmd.DroneID, true
}

// PendingCommands returns the non-terminal commands for one drone, oldest
// first.
func (w *World) PendingCommands(droneID string) []model.Command {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	var out []model.Command
	for _, id := range w.queues[droneID] {
		cmd := w.commands[id]
		if !cmd.Terminal() {
			out = append(out, *cmd)
		}
	}
	return out
}

// DeliveredCommands returns the Delivered-but-unacknowledged commands still
// inside their expiry, for push-stream replay on reconnect.
func (w *World) DeliveredCommands(droneID string, now time.Time) []model.Command {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	var out []model.Command
	for _, id := range w.queues[droneID] {
		cmd := w.commands[id]
		if cmd.State == model.CommandDelivered && cmd.ExpiresAt.After(now) {
			out = append(out, *cmd)
		}
	}
	return out
}

// AllPendingCommands returns every non-terminal command, for the list
// endpoint.
func (w *World) AllPendingCommands() []model.Command {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	var out []model.Command
	for _, queue := range w.queues {
		for _, id := range queue {
			cmd := w.commands[id]
			if !cmd.Terminal() {
				out = append(out, *cmd)
			}
		}
	}
	return out
}

// ExpireCommands marks overdue commands Expired and reverts drones whose
// latest directive lapsed unacknowledged. Delivered commands past the ack
// timeout expire early so a deaf drone does not block re-issue until
// expires_at.
func (w *World) ExpireCommands(now time.Time) int {
	ackTimeout := time.Duration(w.limits.CommandAckTimeoutS) * time.Second

	w.cmdMu.Lock()
	var expired []model.Command
	for droneID, queue := range w.queues {
		kept := queue[:0]
		for _, id := range queue {
			cmd := w.commands[id]
			overdue := !cmd.ExpiresAt.After(now)
			stale := ackTimeout > 0 && cmd.State == model.CommandDelivered &&
				now.Sub(cmd.IssuedAt) > ackTimeout
			if !cmd.Terminal() && (overdue || stale) {
				cmd.State = model.CommandExpired
				expired = append(expired, *cmd)
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(w.queues, droneID)
		} else {
			w.queues[droneID] = kept
		}
	}
	w.cmdMu.Unlock()

	for i := range expired {
		if err := w.persister.UpsertCommand(expired[i]); err != nil {
			w.persistFailed("persist command expiry", err)
		}
		w.revertExpiredDirective(expired[i].DroneID)
	}
	return len(expired)
}

// HasUnacked reports whether the drone has a live command of the kind.
// Implements resolve.History.
func (w *World) HasUnacked(droneID string, kind model.CommandKind) bool {
	now := time.Now().UTC()
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	for _, id := range w.queues[droneID] {
		cmd := w.commands[id]
		if cmd.Payload.Type == kind && !cmd.Terminal() && cmd.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// LastAcked returns when the drone last acknowledged a command of the kind.
// Implements resolve.History.
func (w *World) LastAcked(droneID string, kind model.CommandKind) (time.Time, bool) {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	t, ok := w.lastAck[ackKey(droneID, kind)]
	return t, ok
}

func (w *World) removeFromQueueLocked(droneID, commandID string) {
	queue := w.queues[droneID]
	for i, id := range queue {
		if id == commandID {
			w.queues[droneID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(w.queues[droneID]) == 0 {
		delete(w.queues, droneID)
	}
}
