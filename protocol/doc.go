/*
Package protocol defines the messages exchanged between the front end and the worker process, and the framing used to carry them.

Every message is one JSON object on one line, terminated by '\n'. Encoded messages never contain a literal newline and never exceed the configured maximum size (10 MiB by default).

There are two channels:

 1. The control channel is duplex. It carries the handshake, requests, responses, cancel requests and heartbeats.
 2. The event channel flows from the worker to the front end only. It carries events (log lines, progress updates, partial output) for in-flight requests.

A connection proceeds as follows:

 1. The client sends a handshakeRequest with its protocol version and a client ID.
 2. The worker replies with a handshakeResponse. Versions are compatible when their major numbers are equal.
 3. The client sends requests, each with a fresh correlation ID. The worker streams zero or more events for that ID on the event channel, then writes exactly one response on the control channel.
 4. The client pings periodically and the worker answers each ping with a pong.

Receivers decode the envelope first to learn the message type and then decode the full line against that type. Unknown types decode to the bare envelope so that newer peers can add message types without breaking older ones.
*/
package protocol
