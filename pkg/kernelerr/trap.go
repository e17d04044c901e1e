package kernelerr

// TrapKind identifies an execution trap raised by an isolated computational
// unit.
type TrapKind string

const (
	TrapUnreachable      TrapKind = "UNREACHABLE"
	TrapDivideByZero     TrapKind = "DIVIDE_BY_ZERO"
	TrapIntegerOverflow  TrapKind = "INTEGER_OVERFLOW"
	TrapOutOfBounds      TrapKind = "OUT_OF_BOUNDS_MEMORY"
	TrapIndirectCallType TrapKind = "INDIRECT_CALL_TYPE_MISMATCH"
	TrapStackOverflow    TrapKind = "STACK_OVERFLOW"
	TrapTimeout          TrapKind = "TIMEOUT"
	TrapOutOfMemory      TrapKind = "OUT_OF_MEMORY"
)

// Recoverable reports whether the trap is recoverable. Timeouts and
// out-of-memory conditions can be retried after supervisor intervention;
// everything else is a hard fault of the module.
func (k TrapKind) Recoverable() bool {
	switch k {
	case TrapTimeout, TrapOutOfMemory:
		return true
	default:
		return false
	}
}

// Category maps a trap to the boundary error taxonomy.
func (k TrapKind) Category() Category {
	if k.Recoverable() {
		return CategoryResource
	}
	return CategoryLogic
}
