// Package server is the HTTP rendering service the remote engine talks to.
//
//	POST /        {url, props}           -> {head?, body, bodyAttrs?}
//	POST /static  same as /
//	POST /stream  {url, props, template} -> text/html document, streamed
//	GET  /health                         -> {status, timestamp}
//	GET  /metrics                        Prometheus metrics, when configured
package server
