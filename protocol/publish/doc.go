// Package publish implements the publish/subscribe side of the mKTL
// client/server API: a PUB server that broadcasts value changes and a SUB
// client that dispatches arriving broadcasts to registered callbacks.
//
// Topics always end in a dot, so a subscription to "foo.BAR." matches
// exactly that item and never a key whose name it prefixes. Bulk
// broadcasts travel under "bulk:<target>." and bundles under
// "bundle:<store>.<prefix>.". Delivery is lossy under slow-consumer
// conditions by design; there is no acknowledgement and no rebroadcast of
// historical values.
package publish
