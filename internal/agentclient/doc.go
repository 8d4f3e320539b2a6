// Package agentclient is the agent side of the pull connection.
//
// An agent with no public endpoint dials the gateway's /agent/connect
// websocket, authenticates with its id and secret, and then receives tasks
// over the same connection:
//
//	c := agentclient.New(agentclient.Config{
//		URL:     "ws://relay:8080/agent/connect",
//		AgentID: "helper",
//		Secret:  secret,
//		Handler: func(ctx context.Context, t *agentclient.Task) error {
//			return t.SendComplete("hello")
//		},
//	})
//	err := c.Run(ctx)
//
// Run reconnects after connection loss until Disconnect is called, the
// context ends, or the gateway rejects the credentials.
package agentclient
