package stream

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/schema"
)

// FromStreamReader pumps every chunk of sr into emitter, tagged with token,
// until the reader is exhausted. The emitter is completed on io.EOF and
// failed on any other receive error. The reader is always closed.
//
// FromStreamReader blocks; callers usually run it in its own goroutine.
func FromStreamReader[T any](ctx context.Context, sr *schema.StreamReader[T], emitter *Publisher[T], token string) error {
	defer sr.Close()

	for {
		if err := ctx.Err(); err != nil {
			emitter.Fail(ctx, err)
			return err
		}

		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			emitter.Complete(ctx)
			return nil
		}
		if err != nil {
			emitter.Fail(ctx, err)
			return err
		}

		if err := emitter.EmitToken(ctx, chunk, token); err != nil {
			return err
		}
	}
}
