// Package gateway provides a uniform interface over external payment
// providers, hiding provider-specific protocols behind a small operation set:
// tokenize, charge, create-recurring, cancel-recurring, and webhook parsing.
//
// Two provider styles are implemented. StripeGateway is card-network style:
// raw card data is exchanged for a token and charges settle synchronously.
// PaddleGateway is wallet style: credentials never touch the application,
// charges are created as provider transactions, and outcomes arrive later as
// webhook events (ChargeResult.Pending).
//
// Every mutating call forwards an idempotency key so that network retries or
// duplicate invocations never produce duplicate charges.
//
// Failure conditions are distinguished by type so callers can choose a
// recovery strategy:
//
//   - DeclineError: card/account rejected, not retriable automatically
//   - ErrGatewayUnavailable: transient, safe to retry with backoff
//   - ErrInvalidToken: token expired or revoked, re-collect payment method
//   - ErrInvalidSignature: webhook forgery, log and drop
//
// "No gateway configured" is deliberately not an error: an empty Registry is
// a valid state that callers surface as "no payment methods available".
package gateway
