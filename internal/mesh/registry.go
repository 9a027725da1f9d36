package mesh

import "sort"

// Registry es el conjunto de peers conocidos más el puntero a la autoridad.
// Sólo se muta a través de las transiciones con nombre (PromoteToAuthority,
// AdmitPeer, RemovePeer, AdoptAuthority, Reset); no hay escritura directa de
// campos desde otros caminos. No es thread-safe: la posee el loop de la sesión.
type Registry struct {
	self        string
	authorityID string
	peers       map[string]struct{} // nunca incluye self
}

func NewRegistry(self string) *Registry {
	return &Registry{self: self, peers: make(map[string]struct{})}
}

func (r *Registry) Self() string        { return r.self }
func (r *Registry) AuthorityID() string { return r.authorityID }

// IsAuthority reporta si este peer se cree autoridad.
func (r *Registry) IsAuthority() bool {
	return r.authorityID != "" && r.authorityID == r.self
}

// Count es la cantidad de peers conocidos, excluyendo self.
func (r *Registry) Count() int { return len(r.peers) }

// Has reporta si id es un peer conocido.
func (r *Registry) Has(id string) bool {
	_, ok := r.peers[id]
	return ok
}

// Peers devuelve los peers conocidos ordenados, sin self.
func (r *Registry) Peers() []string {
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PeersExcept devuelve los peers conocidos sin self ni except.
func (r *Registry) PeersExcept(except string) []string {
	out := make([]string, 0, len(r.peers))
	for _, id := range r.Peers() {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// PromoteToAuthority: self pasa a ser la identidad de rendezvous y la
// autoridad. El registro se reinicia a {self}.
func (r *Registry) PromoteToAuthority(rendezvousID string) {
	r.self = rendezvousID
	r.authorityID = rendezvousID
	r.peers = make(map[string]struct{})
}

// AdmitPeer agrega id. Ignora vacío y self. Devuelve true si era nuevo.
func (r *Registry) AdmitPeer(id string) bool {
	if id == "" || id == r.self {
		return false
	}
	if _, ok := r.peers[id]; ok {
		return false
	}
	r.peers[id] = struct{}{}
	return true
}

// RemovePeer quita id. Si era la autoridad, el puntero queda vacío.
func (r *Registry) RemovePeer(id string) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	if r.authorityID == id {
		r.authorityID = ""
	}
	return true
}

// AdoptAuthority registra a authorityID como autoridad y reemplaza el
// conjunto de peers por {authorityID} ∪ peers (la vista de un sync).
func (r *Registry) AdoptAuthority(authorityID string, peers []string) {
	r.authorityID = authorityID
	r.peers = make(map[string]struct{}, len(peers)+1)
	r.AdmitPeer(authorityID)
	for _, id := range peers {
		r.AdmitPeer(id)
	}
}

// Rebind cambia la identidad local (nuevo endpoint transitorio) sin tocar los peers.
func (r *Registry) Rebind(self string) {
	delete(r.peers, self)
	if r.authorityID == r.self {
		r.authorityID = ""
	}
	r.self = self
}

// Reset vacía el registro y olvida la autoridad.
func (r *Registry) Reset(self string) {
	r.self = self
	r.authorityID = ""
	r.peers = make(map[string]struct{})
}

// NextAuthority elige de forma determinística al sucesor: el menor id
// lexicográfico entre self y los peers conocidos, excluyendo la identidad de
// rendezvous y la autoridad actual (la que se perdió).
func (r *Registry) NextAuthority(rendezvousID string) string {
	best := ""
	consider := func(id string) {
		if id == "" || id == rendezvousID || id == r.authorityID {
			return
		}
		if best == "" || id < best {
			best = id
		}
	}
	consider(r.self)
	for id := range r.peers {
		consider(id)
	}
	return best
}
