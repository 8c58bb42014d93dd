// Package datastore holds the event and model types of the datastore: keys, events, the fold
// that projects events into models, the filter grammar, and write request parsing.
//
// Every path that materializes state (live writes, point-in-time replay, keyframes and the
// migration engine) folds events through ApplyEvent, so all of them agree on the result.
package datastore
