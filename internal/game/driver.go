package game

import (
	"context"
	"log"
	"time"
)

const tickInterval = 100 * time.Millisecond

// Driver is the server-side ticker. It is deliberately just another caller
// of the engine's idempotent operations: it paces rounds, fires auto
// withdrawals and proposes the crash transition, but a polling client doing
// the same things concurrently is equally valid and equally safe.
type Driver struct {
	engine   *Engine
	interval time.Duration
	stopChan chan struct{}
}

func NewDriver(engine *Engine) *Driver {
	return &Driver{
		engine:   engine,
		interval: tickInterval,
		stopChan: make(chan struct{}),
	}
}

func (d *Driver) Start() {
	go d.loop()
}

func (d *Driver) Stop() {
	close(d.stopChan)
}

func (d *Driver) loop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Println("[DRIVER] Round driver started")
	for {
		select {
		case <-d.stopChan:
			log.Println("[DRIVER] Round driver stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.interval*10)
			if err := d.tick(ctx); err != nil {
				log.Printf("[DRIVER] Tick failed: %v", err)
			}
			cancel()
		}
	}
}

func (d *Driver) tick(ctx context.Context) error {
	e := d.engine

	round, err := e.store.CurrentRound(ctx, RecentWindow)
	if err != nil {
		return err
	}
	if round == nil {
		_, err = e.createRound(ctx)
		return err
	}

	switch round.Status {
	case RoundPending:
		if e.now().Sub(round.CreatedAt) >= BettingWindow {
			if _, err := e.TransitionRound(ctx, round.ID, RoundRunning); err != nil {
				return err
			}
		}

	case RoundRunning:
		live := MultiplierAt(round.Elapsed(e.now()))
		if live >= round.CrashPoint {
			_, err := e.TransitionRound(ctx, round.ID, RoundCrashed)
			return err
		}
		if err := d.fireAutoWithdrawals(ctx, round, live); err != nil {
			return err
		}
		e.broadcast("tick", map[string]any{
			"round_id":   round.ID,
			"multiplier": live,
		})

	case RoundCrashed:
		// Served as current until the recent window closes; the next tick
		// after that creates the following round.
	}
	return nil
}

// fireAutoWithdrawals cashes out every active bet whose threshold the live
// multiplier has reached. Each cashout settles at the bet's own threshold,
// not at the (possibly higher) live value, and goes through the ordinary
// cashout path so the crash transition can still win the race.
func (d *Driver) fireAutoWithdrawals(ctx context.Context, round *Round, live float64) error {
	bets, err := d.engine.store.ActiveBetsForRound(ctx, round.ID)
	if err != nil {
		return err
	}
	for _, bet := range bets {
		if bet.AutoWithdrawAt == nil || live < *bet.AutoWithdrawAt {
			continue
		}
		if _, _, err := d.engine.Cashout(ctx, bet.ID, bet.UserID, *bet.AutoWithdrawAt); err != nil {
			log.Printf("[DRIVER] Auto withdraw for bet %s failed: %v", bet.ID, err)
		}
	}
	return nil
}
