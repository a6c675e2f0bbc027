package queue_test

import (
	"fmt"

	"github.com/geultto/sheetsync/internal/queue"
	"github.com/geultto/sheetsync/internal/schema"
)

// A failed upload puts its batch back in front of anything enqueued while
// the upload was in flight.
func ExampleSet_Restore() {
	set := queue.NewSet()
	if err := set.Register("contents", schema.Contents, queue.OpAppend); err != nil {
		panic(err)
	}

	set.Enqueue("contents", []string{"a"}, nil)
	set.Enqueue("contents", []string{"b"}, nil)

	batch, _ := set.SnapshotAndClear("contents", 0)
	set.Enqueue("contents", []string{"c"}, nil)

	// upload failed
	set.Restore(batch)

	pending, _ := set.Pending("contents")
	for _, e := range pending {
		fmt.Println(e.Seq, e.Row[0])
	}
	// Output:
	// 1 a
	// 2 b
	// 3 c
}
