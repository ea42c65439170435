// Package credential obtains and keeps fresh the bearer token used for REST
// calls and authenticated chat joins.
//
// A Session first tries to reuse a refresh token persisted by a Store. When
// no usable record exists, or the refresh exchange fails, it runs the
// shortcode flow: the operator visits a URL embedding a short human code
// while the session polls until the code is authorized or the challenge
// expires. After every successful exchange the session schedules its own
// refresh ahead of the token's expiry.
package credential
