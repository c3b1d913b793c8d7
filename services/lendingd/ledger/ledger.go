// Package ledger assembles a debt ledger deployment from its TOML
// description: storage, the reference vault and debt token, and the engine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"debtledger/config"
	"debtledger/core/events"
	"debtledger/core/state"
	"debtledger/crypto"
	"debtledger/native/common"
	"debtledger/native/debttoken"
	"debtledger/native/lending"
	"debtledger/native/vault"
	"debtledger/storage"
)

// Options carries the runtime hooks the daemon injects.
type Options struct {
	Emitter events.Emitter
	Logger  *slog.Logger
	Now     func() time.Time
}

// Ledger bundles the engine with the collaborators it moves funds through.
type Ledger struct {
	Address crypto.Address
	State   *state.Manager
	Vault   *vault.Vault
	Token   *debttoken.Token
	Engine  *lending.Engine
	Pauses  *common.PauseSet
}

// Open restores a ledger from storage, bootstrapping the vault, the debt
// token issuer and the engine on first start.
func Open(ctx context.Context, cfg *config.Ledger, opts Options) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("ledger: config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	manager := state.NewManager(db)
	l, err := assemble(ctx, cfg, manager, opts, logger)
	if err != nil {
		return nil, errors.Join(err, manager.Close())
	}
	return l, nil
}

func assemble(ctx context.Context, cfg *config.Ledger, manager *state.Manager, opts Options, logger *slog.Logger) (*Ledger, error) {
	address := cfg.LedgerAddress()

	v := vault.New(manager)
	configured, err := v.Load()
	if err != nil {
		return nil, fmt.Errorf("ledger: load vault: %w", err)
	}
	if !configured {
		params, err := cfg.Vault.Params()
		if err != nil {
			return nil, fmt.Errorf("ledger: vault: %w", err)
		}
		if err := v.Configure(params.Owner, params); err != nil {
			return nil, fmt.Errorf("ledger: configure vault: %w", err)
		}
		logger.InfoContext(ctx, "vault configured", slog.String("owner", params.Owner.String()))
	}

	tok := debttoken.New(manager)
	if err := bootstrapIssuer(manager, tok, cfg.DebtToken, address); err != nil {
		return nil, err
	}

	pauses := common.NewPauseSet()
	pauses.SetPaused(lending.ModuleName, cfg.Pauses.Lending)

	engine := lending.NewEngine(address, v.Custody(address), tok.As(address), cfg.Lending.Registry())
	engine.SetState(manager)
	engine.SetPauses(pauses)
	engine.SetLogger(logger)
	if opts.Emitter != nil {
		engine.SetEmitter(opts.Emitter)
	}
	if opts.Now != nil {
		engine.SetNowFunc(opts.Now)
	}
	if err := engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("ledger: restore engine: %w", err)
	}
	if _, err := engine.Config(ctx); errors.Is(err, lending.ErrNotInitialized) {
		params, err := cfg.Lending.InitParams()
		if err != nil {
			return nil, err
		}
		// Without an explicit manager the debt token owner governs the ledger.
		caller := params.Manager
		if caller.IsZero() {
			if caller, _, err = cfg.DebtToken.Parse(); err != nil {
				return nil, err
			}
		}
		if err := engine.Initialize(ctx, caller, params); err != nil {
			return nil, fmt.Errorf("ledger: initialize engine: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	return &Ledger{
		Address: address,
		State:   manager,
		Vault:   v,
		Token:   tok,
		Engine:  engine,
		Pauses:  pauses,
	}, nil
}

// bootstrapIssuer records the token owner and grants the ledger its mint
// ceiling the first time the store is used. Later ceiling changes go through
// the token owner.
func bootstrapIssuer(manager *state.Manager, tok *debttoken.Token, cfg config.DebtToken, ledger crypto.Address) error {
	owner, ceiling, err := cfg.Parse()
	if err != nil {
		return fmt.Errorf("ledger: debt token: %w", err)
	}
	effective, err := tok.Bootstrap(owner)
	if err != nil {
		return fmt.Errorf("ledger: bootstrap debt token: %w", err)
	}
	_, listed, err := manager.DebtTokenIssuer(ledger)
	if err != nil {
		return err
	}
	if listed || ceiling.IsZero() {
		return nil
	}
	if !effective.Equal(owner) {
		return fmt.Errorf("ledger: debt token owned by %s, not %s", effective, owner)
	}
	return tok.SetValidIssuer(owner, ledger, ceiling)
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	if l == nil || l.State == nil {
		return nil
	}
	return l.State.Close()
}
