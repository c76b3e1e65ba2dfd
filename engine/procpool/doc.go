// Package procpool renders through a fixed pool of long-lived worker processes. Requests and
// responses are single JSON lines on the worker's stdin and stdout:
//
//	-> {"url":"/a","props":{"x":1}}
//	<- {"head":"<title>a</title>","body":"<div>a</div>"}
//	<- {"error":"no such page"}
//
// A worker that answers with malformed output, misses its deadline or exits is killed and
// replaced on the next checkout. Streaming is not supported.
package procpool
