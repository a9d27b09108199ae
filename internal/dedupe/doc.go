// Package dedupe remembers recently claimed keys so repeated requests, such
// as a client retrying a chat send with the same idempotency key, are
// recognised within a configurable window.
package dedupe
