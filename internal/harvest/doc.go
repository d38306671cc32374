// Package harvest defines the canonical document types, job envelopes and
// component interfaces shared across the harvester subsystems. The producer,
// worker and annotator binaries depend only on these contracts; concrete
// providers (Mongo, Pub/Sub, GCS) live in their own packages.
package harvest
