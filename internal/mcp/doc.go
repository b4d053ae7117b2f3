// Package mcp implements the gateway's Model Context Protocol endpoint.
//
// # Protocol
//
// Clients send one JSON-RPC 2.0 request per HTTP POST to /mcp and receive one
// response in the body. There are no sessions, streams or batches.
//
//   - initialize: static protocol version, capabilities and server info
//   - ping: empty result
//   - tools/list: name, description and input schema of every registered operation
//   - tools/call: run an operation with params.arguments
//   - notifications/*: acknowledged with 202 and no body when the id member
//     is absent; with an id they are requests and get -32601
//
// # Authentication
//
// Every request must carry a bearer token:
//
//	Authorization: Bearer <id token>
//
// A missing header is rejected with a plain 401 before the body is read. A
// token the verifier rejects gets a 401 JSON-RPC error with code -32001 and a
// generic message. Both carry a WWW-Authenticate challenge pointing at the
// protected-resource metadata.
//
// # Errors
//
// Protocol failures use the JSON-RPC error member: -32700 for unparseable
// bodies, -32600 for invalid envelopes, -32601 for unknown methods and tools,
// -32602 for bad arguments and -32603 for internal failures. The request id is
// echoed whenever it could be read.
//
// Operation failures are not protocol failures. Dividing by zero, for example,
// returns a normal result:
//
//	{
//	  "jsonrpc": "2.0",
//	  "id": 2,
//	  "result": {
//	    "content": [{"type": "text", "text": "Division by zero"}],
//	    "isError": true
//	  }
//	}
package mcp
