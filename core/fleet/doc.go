// Package fleet drives the websocket protocol between the control plane and
// the deployment agents installed on remote hosts, plus the admin channel
// used by the dashboard.
//
// Agents connect once and stay connected; configuration and certificate
// updates are pushed through their broadcast group rather than polled. A
// freshly created agent authenticates with its plaintext bootstrap token
// until it registers; from then on only the token's hash is kept server-side
// and the plaintext never crosses the wire again.
package fleet
