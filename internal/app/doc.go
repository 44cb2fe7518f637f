// Package app holds the widget use cases.
//
// Each service owns one widget kind: its dashboard CRUD and the webhook handlers that
// react to the kind's EventSub topics. Services depend on domain interfaces only.
package app
