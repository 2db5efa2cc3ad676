package orchestrator

import "viewgen/internal/watcher"

// StartAutoMode subscribes to settled view changes; each one triggers
// RequestGenerate with the most recent auto params. Calling it while auto
// mode is on only replaces the params.
func (o *Orchestrator) StartAutoMode(p Params) error {
	if o.cfg.Watcher == nil {
		return ErrNoWatcher
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	o.autoParams = p
	if o.autoOn {
		return nil
	}
	o.autoOn = true
	o.autoRemove = o.cfg.Watcher.OnChange(o.onSettled)
	o.cfg.Watcher.Enable()
	o.log.Info().Str("event", "auto_mode_started").Msg("auto mode on")
	return nil
}

// UpdateAutoParams replaces the params used for the next auto trigger
// without touching the watcher subscription.
func (o *Orchestrator) UpdateAutoParams(p Params) {
	o.autoMu.Lock()
	o.autoParams = p
	o.autoMu.Unlock()
}

// StopAutoMode unsubscribes from view changes. A running attempt is left to
// finish. Idempotent.
func (o *Orchestrator) StopAutoMode() {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	if !o.autoOn {
		return
	}
	o.autoOn = false
	if o.autoRemove != nil {
		o.autoRemove()
		o.autoRemove = nil
	}
	o.cfg.Watcher.Disable()
	o.log.Info().Str("event", "auto_mode_stopped").Msg("auto mode off")
}

// AutoMode reports whether auto mode is on and its current params.
func (o *Orchestrator) AutoMode() (bool, Params) {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	return o.autoOn, o.autoParams
}

func (o *Orchestrator) onSettled(ev watcher.ChangeEvent) {
	on, p := o.AutoMode()
	if !on {
		return
	}
	id, err := o.RequestGenerate(p)
	if err != nil {
		o.log.Debug().Str("event", "auto_trigger_skipped").Uint64("seq", ev.Seq).Err(err).Msg("auto trigger ignored")
		return
	}
	o.log.Debug().Str("event", "auto_trigger").Uint64("seq", ev.Seq).Uint64("attempt", id).Msg("view settled")
}
