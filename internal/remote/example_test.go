package remote_test

import (
	"context"
	"fmt"

	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/remote/remotetest"
	"github.com/geultto/sheetsync/internal/schema"
)

// The append position is recomputed from the remote row count on every
// call. An empty sheet receives the header row first.
func ExampleClient_AppendBatch() {
	ctx := context.Background()
	client := remote.NewClient(remotetest.New(), nil)

	first, _ := client.AppendBatch(ctx, schema.Contents, [][]string{
		{"u1", "kim", "first post", "https://example.com/1", "2024-01-01 09:00:00", "dev", "", "submit", ""},
		{"u2", "lee", "second post", "https://example.com/2", "2024-01-01 10:00:00", "dev", "", "submit", ""},
	})
	second, _ := client.AppendBatch(ctx, schema.Contents, [][]string{
		{"u1", "kim", "", "", "2024-01-08 09:00:00", "", "", "pass", ""},
	})

	fmt.Println(first, second)
	// Output: 2-3 4-4
}
