package observability

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
)

const (
	TxIDKey    attribute.Key = "tx.id"
	TxTypeKey  attribute.Key = "tx.type"
	MsgKindKey attribute.Key = "msg.kind"
	NodeIDKey  attribute.Key = "service.node.name" // ECS convention
)

func Height(h uint64) attribute.KeyValue {
	return attribute.Int64("height", int64(h)) /* #nosec G115 height is not going to exceed int64 max value */
}

func TxID(id string) attribute.KeyValue {
	return TxIDKey.String(id)
}

func PeerID(key attribute.Key, id peer.ID) attribute.KeyValue {
	return key.String(id.String())
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
