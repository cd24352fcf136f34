/*
Package protocol provides the request and response schemas spoken between a client and a Kafka
0.8.2 - 0.10.x cluster, together with the framing that carries them over a connection.

Every request and response body implements Body. Requests are framed with Encode and a Request
header; responses are located with NewResponse by API key and version and decoded with
DecodeResponse:

	req := &protocol.Request{CorrelationID: 7, ClientID: "myClient", Body: &protocol.MetadataRequest{}}
	frame, err := protocol.Encode(req)
	if err != nil {
		return err
	}

	// write frame, read the response header and body ...

	res, err := protocol.NewResponse(req.Body.APIKey(), req.Body.APIVersion())
	if err != nil {
		return err
	}
	err = protocol.DecodeResponse(body, res)

The objects and properties in this package are mostly undocumented, as they line up exactly with the
protocol fields documented by Kafka at https://kafka.apache.org/protocol
*/
package protocol
