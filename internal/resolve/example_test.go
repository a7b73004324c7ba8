package resolve_test

import (
	"encoding/json"
	"fmt"

	"github.com/shiftboard/shiftsync/internal/resolve"
)

func ExampleResolver_Resolve() {
	r := resolve.New(nil)

	// Completed tasks from both devices are kept.
	merged := r.Resolve("completedTasks", json.RawMessage(`[1,2]`), json.RawMessage(`[2,3]`))
	fmt.Println(string(merged))

	// Fields without a rule take the remote value.
	merged = r.Resolve("unlisted", json.RawMessage(`"mine"`), json.RawMessage(`"theirs"`))
	fmt.Println(string(merged))

	// Output:
	// [2,3,1]
	// "theirs"
}

func ExampleParse() {
	s, err := resolve.Parse("array-by-id@sku:higher=qty")
	if err != nil {
		panic(err)
	}
	fmt.Println(s.Kind())
	// Output: array-by-id
}
