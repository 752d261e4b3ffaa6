package loans

import (
	"fmt"

	"github.com/holiman/uint256"

	"pegledger/core/events"
	"pegledger/crypto"
)

type paramState interface {
	GetParameters() (*Parameters, error)
	PutParameters(params *Parameters) error
}

// Role names used when registering collaborator addresses.
const (
	RoleOracle     = "oracle"
	RoleLiquidator = "liquidator"
	RoleToken      = "token"
)

// ParameterStore owns the oracle-controlled parameters and the one-time
// collaborator addresses.
type ParameterStore struct {
	state   paramState
	guard   AccessGuard
	emitter events.Emitter
}

// NewParameterStore binds a store to persistence, guard and emitter.
func NewParameterStore(state paramState, guard AccessGuard, emitter events.Emitter) *ParameterStore {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &ParameterStore{state: state, guard: guard, emitter: emitter}
}

// Parameters returns a copy of the current parameters.
func (s *ParameterStore) Parameters() (*Parameters, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	params, err := s.state.GetParameters()
	if err != nil {
		return nil, err
	}
	return params.Clone(), nil
}

// SetOracleAddress registers the oracle. Only the deployer may call it, once.
func (s *ParameterStore) SetOracleAddress(caller, addr crypto.Address) error {
	if err := s.guard.Deployer(caller); err != nil {
		return err
	}
	return s.register(caller, RoleOracle, addr, func(p *Parameters) *crypto.Address { return &p.OracleAddress })
}

// SetLiquidatorAddress registers the liquidator. Oracle only, once.
func (s *ParameterStore) SetLiquidatorAddress(caller, addr crypto.Address) error {
	return s.registerByOracle(caller, RoleLiquidator, addr, func(p *Parameters) *crypto.Address { return &p.LiquidatorAddress })
}

// SetTokenAddress registers the accounting token. Oracle only, once.
func (s *ParameterStore) SetTokenAddress(caller, addr crypto.Address) error {
	return s.registerByOracle(caller, RoleToken, addr, func(p *Parameters) *crypto.Address { return &p.TokenAddress })
}

func (s *ParameterStore) registerByOracle(caller crypto.Address, role string, addr crypto.Address, field func(*Parameters) *crypto.Address) error {
	params, err := s.Parameters()
	if err != nil {
		return err
	}
	if err := s.guard.Oracle(caller, params); err != nil {
		return err
	}
	return s.register(caller, role, addr, field)
}

func (s *ParameterStore) register(caller crypto.Address, role string, addr crypto.Address, field func(*Parameters) *crypto.Address) error {
	params, err := s.Parameters()
	if err != nil {
		return err
	}
	slot := field(params)
	if !slot.IsZero() {
		return fmt.Errorf("%w: %s address", ErrAlreadyInitialized, role)
	}
	if addr.IsZero() {
		return fmt.Errorf("%w: %s address must be set", ErrInvalidAmount, role)
	}
	*slot = addr
	if err := s.state.PutParameters(params); err != nil {
		return err
	}
	s.emitter.Emit(events.AddressRegistered{Role: role, Address: addr, Setter: caller})
	return nil
}

// SetVariable overwrites a numeric parameter. Oracle only; zero is rejected.
func (s *ParameterStore) SetVariable(caller crypto.Address, kind Variable, value *uint256.Int) error {
	params, err := s.Parameters()
	if err != nil {
		return err
	}
	if err := s.guard.Oracle(caller, params); err != nil {
		return err
	}
	if err := s.guard.NonZero(value); err != nil {
		return err
	}
	switch kind {
	case VariableEtherPrice:
		params.EtherPrice = new(uint256.Int).Set(value)
	case VariableCollateralRatio:
		params.CollateralRatio = new(uint256.Int).Set(value)
	case VariableLiquidationDuration:
		if !value.IsUint64() {
			return fmt.Errorf("%w: duration exceeds uint64", ErrInvalidAmount)
		}
		params.LiquidationDuration = value.Uint64()
	default:
		return fmt.Errorf("%w: unknown variable %s", ErrInvalidAmount, kind)
	}
	if err := s.state.PutParameters(params); err != nil {
		return err
	}
	s.emitter.Emit(events.ParamUpdated{Variable: kind.String(), Value: new(uint256.Int).Set(value), Oracle: caller})
	return nil
}
