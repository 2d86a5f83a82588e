package queue

import "fmt"

type Kind uint8

const (
	KindTx Kind = iota
	KindRx
	KindTxCpl
	KindRxCpl
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindTx:
		return "tx"
	case KindRx:
		return "rx"
	case KindTxCpl:
		return "tx_cpl"
	case KindRxCpl:
		return "rx_cpl"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsCompletion reports whether k names a completion queue kind.
func (k Kind) IsCompletion() bool {
	return k == KindTxCpl || k == KindRxCpl
}

func (k Kind) completionKind() Kind {
	if k == KindTx {
		return KindTxCpl
	}
	return KindRxCpl
}
