package pecorino_test

import (
	"context"
	"fmt"
	"time"

	"github.com/pecorino-rb/pecorino-go/pkg/pecorino"
)

func ExampleThrottle() {
	adapter := pecorino.NewMemoryAdapter()
	throttle, err := pecorino.NewThrottle(adapter, pecorino.ThrottleConfig{
		Key:      "user:42",
		Capacity: 2,
		LeakRate: 1,
		BlockFor: time.Minute,
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, _, err := throttle.Request(ctx, 1)
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Println(ok)
	}

	// Output:
	// true
	// true
	// false
}
