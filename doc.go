// Package viewgate selects which top-level screen a client session shows (sign-in,
// registration, or dashboard) from the contents of a shared key-value session store, and
// keeps that selection correct while other tabs or processes sharing the store log in,
// log out, or delete accounts.
//
// A [Gate] is built once with [New] and holds the role profiles (patient, specialist, or
// custom). Each execution context opens its own [Router] against its own store context:
//
//	gate, _ := viewgate.New().Build()
//	backend := store.NewMemory()
//	r, _ := gate.Open(ctx, "patient", backend.Context())
//	defer r.Close()
//	fmt.Println(r.View())
//
// # Session validity
//
// A session is valid exactly when the profile's flag key holds the configured true value,
// the current-user key is non-empty, and a user record exists at the key named by the
// current user. Anything else routes to the profile's default view.
//
// # Architecture boundaries
//
// viewgate owns view selection and session cleanup only. Store access, change
// notification, and cross-context delivery live in the store package. Credential handling
// lives in accounts; HTTP and websocket surfaces live in httpapi.
//
// # What this package must NOT do
//
//   - Write to the store except the two cleanups: the stale current-user key on
//     Initialize and the orphaned session on an external change.
//   - Re-validate the store on NavigateTo.
//   - Deliver a router's own writes back to it.
package viewgate
