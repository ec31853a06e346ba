package client

// SessionObserver follows the lifecycle of a Client session. Callbacks run on the run queue of
// the client.
type SessionObserver interface {
	ClientWillLogon(c *Client)
	ClientDidLogon(c *Client)
	// ClientFailedToLogon is called when connecting or authenticating fails
	ClientFailedToLogon(c *Client, err error)
	// ClientConnectionFailed is called when an established session loses its connection
	ClientConnectionFailed(c *Client, err error)
	// ClientWillLogoff may return false to veto an abortable logoff
	ClientWillLogoff(c *Client) bool
	ClientDidLogoff(c *Client)
	// ClientDidClear is called last, after all session state is released
	ClientDidClear(c *Client)
}

// SessionAdapter implements SessionObserver with empty callbacks, for embedding
type SessionAdapter struct{}

func (SessionAdapter) ClientWillLogon(c *Client)                   {}
func (SessionAdapter) ClientDidLogon(c *Client)                    {}
func (SessionAdapter) ClientFailedToLogon(c *Client, err error)    {}
func (SessionAdapter) ClientConnectionFailed(c *Client, err error) {}
func (SessionAdapter) ClientWillLogoff(c *Client) bool             { return true }
func (SessionAdapter) ClientDidLogoff(c *Client)                   {}
func (SessionAdapter) ClientDidClear(c *Client)                    {}
