package panel

import "github.com/kirychukyurii/vpn-node-balancer/internal/model"

// Factory builds an unauthenticated panel client for a node
type Factory func(node model.Node) (API, error)

// NewFactory returns a Factory producing HTTP clients with opts. All clients
// share one connection pool.
func NewFactory(opts Options) Factory {
	if opts.transport == nil {
		opts.transport = newTransport(opts.InsecureSkipVerify)
	}

	return func(node model.Node) (API, error) {
		return New(node.PanelURL, node.PanelUsername, node.PanelPassword, opts)
	}
}
