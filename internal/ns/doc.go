// Package ns holds the notification domain model shared by producers and consumers:
// categories, messages, the wire bodies carried by sessionless signals, the error
// taxonomy and the well-known bus names of the notification protocol.
package ns
