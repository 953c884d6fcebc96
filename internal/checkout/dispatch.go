package checkout

import (
	"context"

	"github.com/joao-fontenele/checkout-engine/internal/messaging"
	"github.com/joao-fontenele/checkout-engine/internal/payload"
)

// Dispatcher hands a buy order code to the finalization worker without
// waiting for the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, buyOrderCode string) error
}

// KafkaDispatcher seals the minimal finalization payload and publishes
// it on the finalize topic.
type KafkaDispatcher struct {
	codec    *payload.Codec
	producer *messaging.Producer
}

func NewKafkaDispatcher(codec *payload.Codec, producer *messaging.Producer) *KafkaDispatcher {
	return &KafkaDispatcher{codec: codec, producer: producer}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, buyOrderCode string) error {
	sealed, err := d.codec.Seal(payload.Finalization{BuyOrder: buyOrderCode})
	if err != nil {
		return err
	}
	return d.producer.Publish(ctx, buyOrderCode, sealed)
}
