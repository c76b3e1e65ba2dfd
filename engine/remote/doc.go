/*
Package remote implements an engine.Engine backed by a rendering service reachable over HTTP.

Buffered renders POST {url, props} as JSON and decode {head, body, bodyAttrs}. Streamed renders POST
{url, props, template} and relay the chunked text/html response untouched.

The split that matters for callers is when a stream fails. Stream does not return until the first
byte has arrived, so any error it returns (engine.ErrNotStarted) means nothing reached the client and
a fallback is still possible. Once a Stream is returned, read errors carry engine.ErrAbortedMidStream
and the only correct reaction is to stop writing.
*/
package remote
