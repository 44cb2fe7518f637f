// Package credential owns both token classes a user has.
//
// Broker produces external platform access tokens, refreshing them from the stored
// refresh token under a per-user single flight and forcing logout when the refresh
// token is dead. SessionIssuer mints and rotates the internal session pair.
package credential
