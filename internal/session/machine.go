package session

import (
	"fmt"

	"github.com/atm-network/atm-session/internal/models"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingSignature
	StateAuthenticated
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSignature:
		return "awaiting_signature"
	case StateAuthenticated:
		return "authenticated"
	case StateAuthFailed:
		return "auth_failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type EventKind int

const (
	WalletConnecting EventKind = iota
	WalletConnected
	WalletDisconnected
	DisconnectGraceElapsed
	TokenRestored
	TokenMissing
	SignatureSucceeded
	SignatureFailed
	RetryRequested
	LogoutRequested
	RefreshTick
	RefreshRequested
	BalanceRefreshed
	WithdrawalSubmitted
	TokenExpired
	AuthenticatorIdle
)

var eventNames = map[EventKind]string{
	WalletConnecting:       "wallet_connecting",
	WalletConnected:        "wallet_connected",
	WalletDisconnected:     "wallet_disconnected",
	DisconnectGraceElapsed: "disconnect_grace_elapsed",
	TokenRestored:          "token_restored",
	TokenMissing:           "token_missing",
	SignatureSucceeded:     "signature_succeeded",
	SignatureFailed:        "signature_failed",
	RetryRequested:         "retry_requested",
	LogoutRequested:        "logout_requested",
	RefreshTick:            "refresh_tick",
	RefreshRequested:       "refresh_requested",
	BalanceRefreshed:       "balance_refreshed",
	WithdrawalSubmitted:    "withdrawal_submitted",
	TokenExpired:           "token_expired",
	AuthenticatorIdle:      "authenticator_idle",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is an input of the reducer. Results of asynchronous work carry the
// generation of the connection they were started for.
type Event struct {
	Kind       EventKind
	Address    string
	ChainID    int64
	Generation uint64
	Balance    *models.Balance
	Message    string
}

type EffectKind int

const (
	EffectSyncAddress EffectKind = iota
	EffectRestore
	EffectAuthenticate
	EffectClearAuth
	EffectRefresh
	EffectHydrate
	EffectStartPeriodic
	EffectStopTimers
	EffectScheduleRefresh
	EffectScheduleDisconnect
	EffectCancelDisconnect
	EffectDisconnectWallet
	EffectWatchExpiry
)

var effectNames = map[EffectKind]string{
	EffectSyncAddress:        "sync_address",
	EffectRestore:            "restore",
	EffectAuthenticate:       "authenticate",
	EffectClearAuth:          "clear_auth",
	EffectRefresh:            "refresh",
	EffectHydrate:            "hydrate",
	EffectStartPeriodic:      "start_periodic",
	EffectStopTimers:         "stop_timers",
	EffectScheduleRefresh:    "schedule_refresh",
	EffectScheduleDisconnect: "schedule_disconnect",
	EffectCancelDisconnect:   "cancel_disconnect",
	EffectDisconnectWallet:   "disconnect_wallet",
	EffectWatchExpiry:        "watch_expiry",
}

func (k EffectKind) String() string {
	if name, ok := effectNames[k]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

// Effect is work the session performs after a transition.
type Effect struct {
	Kind       EffectKind
	Address    string
	Generation uint64
}

// Machine is the whole session state. It is only changed by Reduce.
type Machine struct {
	State             State
	Address           string
	ChainID           int64
	Generation        uint64
	PendingDisconnect bool
	Refreshing        bool
	Balance           *models.Balance
	BalanceStale      bool
	BalanceError      string
	LastError         string
}

// Reduce applies ev to m and returns the next machine with the effects to run.
func Reduce(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case WalletConnecting:
		if m.State == StateDisconnected {
			m.State = StateConnecting
		}
		return m, nil

	case WalletConnected:
		return connected(m, ev)

	case WalletDisconnected:
		if m.PendingDisconnect {
			return m, nil
		}
		if m.Address == "" {
			m.State = StateDisconnected
			return m, nil
		}
		m.PendingDisconnect = true
		return m, []Effect{m.effect(EffectScheduleDisconnect)}

	case DisconnectGraceElapsed:
		if !m.PendingDisconnect || ev.Generation != m.Generation {
			return m, nil
		}
		m.PendingDisconnect = false
		return teardown(m, false)

	case TokenRestored:
		if m.State != StateConnecting || ev.Generation != m.Generation {
			return m, nil
		}
		return authenticated(m)

	case TokenMissing:
		if m.State != StateConnecting || ev.Generation != m.Generation {
			return m, nil
		}
		m.State = StateAwaitingSignature
		return m, []Effect{m.effect(EffectAuthenticate)}

	case SignatureSucceeded:
		if m.State != StateAwaitingSignature || ev.Generation != m.Generation {
			return m, nil
		}
		return authenticated(m)

	case SignatureFailed:
		if m.State != StateAwaitingSignature || ev.Generation != m.Generation {
			return m, nil
		}
		m.State = StateAuthFailed
		m.LastError = ev.Message
		return m, nil

	case AuthenticatorIdle:
		// Our signature request found another attempt running. Now that it
		// ended, start over from the token check.
		if m.State != StateAwaitingSignature || ev.Generation != m.Generation {
			return m, nil
		}
		m.State = StateConnecting
		return m, []Effect{m.effect(EffectRestore)}

	case TokenExpired:
		if m.State != StateAuthenticated || ev.Generation != m.Generation {
			return m, nil
		}
		m.State = StateAwaitingSignature
		m.Refreshing = false
		m.BalanceStale = m.Balance != nil
		return m, []Effect{
			m.effect(EffectStopTimers),
			m.effect(EffectClearAuth),
			m.effect(EffectAuthenticate),
		}

	case RetryRequested:
		if m.State != StateAuthFailed || m.PendingDisconnect {
			return m, nil
		}
		m.State = StateAwaitingSignature
		m.LastError = ""
		return m, []Effect{m.effect(EffectAuthenticate)}

	case LogoutRequested:
		if m.State == StateDisconnected {
			return m, nil
		}
		return teardown(m, true)

	case RefreshTick, RefreshRequested:
		if m.State != StateAuthenticated || ev.Generation != m.Generation {
			return m, nil
		}
		if ev.Kind == RefreshTick && m.Refreshing {
			return m, nil
		}
		m.Refreshing = true
		return m, []Effect{m.effect(EffectRefresh)}

	case BalanceRefreshed:
		if ev.Generation != m.Generation {
			return m, nil
		}
		m.Refreshing = false
		if ev.Balance == nil {
			m.BalanceStale = m.Balance != nil
			m.BalanceError = ev.Message
			return m, nil
		}
		balance := *ev.Balance
		m.Balance = &balance
		m.BalanceStale = false
		m.BalanceError = ""
		return m, nil

	case WithdrawalSubmitted:
		if m.State != StateAuthenticated || ev.Generation != m.Generation {
			return m, nil
		}
		return m, []Effect{m.effect(EffectScheduleRefresh)}
	}

	return m, nil
}

func connected(m Machine, ev Event) (Machine, []Effect) {
	address := models.NormalizeAddress(ev.Address)
	if address == "" {
		return m, nil
	}

	var effects []Effect
	if m.PendingDisconnect {
		m.PendingDisconnect = false
		effects = append(effects, m.effect(EffectCancelDisconnect))
	}

	// Same account, possibly on another chain: the session carries on.
	if address == m.Address && m.State != StateDisconnected && m.State != StateConnecting {
		m.ChainID = ev.ChainID
		return m, effects
	}

	if m.State == StateAuthenticated {
		effects = append(effects, m.effect(EffectStopTimers))
	}

	m.Generation++
	m.State = StateConnecting
	m.Address = address
	m.ChainID = ev.ChainID
	m.Refreshing = false
	m.Balance = nil
	m.BalanceStale = false
	m.BalanceError = ""
	m.LastError = ""

	return m, append(effects, m.effect(EffectSyncAddress), m.effect(EffectRestore))
}

func authenticated(m Machine) (Machine, []Effect) {
	m.State = StateAuthenticated
	m.LastError = ""
	m.Refreshing = true
	return m, []Effect{
		m.effect(EffectStartPeriodic),
		m.effect(EffectWatchExpiry),
		m.effect(EffectRefresh),
		m.effect(EffectHydrate),
	}
}

// teardown ends the session for the current address. The token is cleared
// only when one was issued.
func teardown(m Machine, logout bool) (Machine, []Effect) {
	var effects []Effect
	if m.PendingDisconnect {
		effects = append(effects, m.effect(EffectCancelDisconnect))
	}
	effects = append(effects, m.effect(EffectStopTimers))
	if m.State == StateAuthenticated || logout {
		effects = append(effects, m.effect(EffectClearAuth))
	}

	m = Machine{
		State:      StateDisconnected,
		ChainID:    m.ChainID,
		Generation: m.Generation + 1,
	}
	effects = append(effects, Effect{Kind: EffectSyncAddress, Generation: m.Generation})
	if logout {
		effects = append(effects, Effect{Kind: EffectDisconnectWallet, Generation: m.Generation})
	}
	return m, effects
}

func (m Machine) effect(kind EffectKind) Effect {
	return Effect{Kind: kind, Address: m.Address, Generation: m.Generation}
}
