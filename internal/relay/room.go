package relay

// maxMembers caps a room at one caller and one callee.
const maxMembers = 2

// room tracks the clients currently joined under one room ID.
type room struct {
	id      string
	members []*Client
}

func (r *room) full() bool { return len(r.members) >= maxMembers }

func (r *room) add(c *Client) { r.members = append(r.members, c) }

func (r *room) remove(c *Client) {
	for i, m := range r.members {
		if m == c {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

func (r *room) contains(c *Client) bool {
	for _, m := range r.members {
		if m == c {
			return true
		}
	}
	return false
}

// others returns every member except c.
func (r *room) others(c *Client) []*Client {
	var out []*Client
	for _, m := range r.members {
		if m != c {
			out = append(out, m)
		}
	}
	return out
}
