// Package payment implements an HTTP client that transparently settles
// HTTP 402 Payment Required responses. When a metered endpoint demands
// payment, the client reserves budget, submits an on-chain token transfer,
// waits for finality, and retries the request carrying the transaction hash
// as proof. Settlements that time out are parked and reconciled on the next
// call.
package payment
