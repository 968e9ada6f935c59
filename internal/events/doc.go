// Package events streams run progress over NATS.
//
// Every trace record is published as JSON on {prefix}.{run_id}.trace and the
// run summary on {prefix}.{run_id}.done once the run ends:
//
//	runs.5f0c...trace   {"run_id":"5f0c...","record":{"seq":1,"stage":"proposing",...}}
//	runs.5f0c...done    {"run_id":"5f0c...","outcome":"completed",...}
//
// The broker is either external (nats.url) or embedded in the process
// (nats.embedded).
package events
