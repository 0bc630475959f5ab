// Package agent contains content strategies: named generators that produce
// per-platform text for a publication run. Strategies may return fixed
// content or call a metered remote endpoint through the payment client.
package agent
