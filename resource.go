package gcoap

import "strings"

// HandlerFunc builds a response for a matched request into buf, returning
// the number of bytes written. e gives the handler access to RespInit (and,
// for resources that support Observe, ObsInit) to stage the response's
// header and options before encoding it into buf with Packet.Finish. An
// error is reported to the peer as 5.00 Internal Server Error, mirroring
// how a negative ssize_t return from a gcoap request handler is translated
// in the original firmware.
type HandlerFunc func(buf []byte, req *Packet, e *Engine) (int, error)

// Resource binds a URI path and allowed methods to a HandlerFunc. Resources
// within a Listener must be sorted by Path, ascending, the same requirement
// the original _coap_resource_t array over the endpoint's registered
// resources places on its callers: it lets the matching pass bail out as
// soon as a resource sorting after the request path is seen.
type Resource struct {
	Path    string
	Methods MethodFlag
	Handler HandlerFunc

	// obsCounter is the RFC 7641 section 3.4 notification counter for
	// this resource, incremented each time a notification is built for
	// any of its observers. obsSeeded tracks whether it has been given
	// its clock-derived starting value yet.
	obsCounter uint32
	obsSeeded  bool
}

// Listener is a list of Resources contributed by one part of the
// application; Engine.RegisterListener appends Listeners to a singly-linked
// list, walked in registration order by FindResource.
type Listener struct {
	Resources []Resource

	// LinkEncoder optionally renders one Resource as an extra CoRE Link
	// Format attribute string (e.g. ";ct=40") appended after the path
	// link in /.well-known/core output. A nil LinkEncoder contributes no
	// extra attributes.
	LinkEncoder func(r *Resource) string

	next *Listener
}

// matchPath orders a Resource against a request's URI path the way
// strcmp orders the resource and request path C strings in the original
// firmware: negative if r sorts before path, zero on an exact match,
// positive if r sorts after path.
func matchPath(r *Resource, path string) int {
	return strings.Compare(r.Path, path)
}

// findResource walks the listener list looking for a Resource whose Path
// exactly matches the request's URIPath. Because each Listener's Resources
// are sorted by Path, the inner loop exits as soon as it finds a resource
// sorting after the request path -- the same early-exit the endpoint
// dispatch loop in the original firmware relies on to bound its search.
//
// findResource distinguishes "no path matched at all" from "path matched
// but not this method", returning ResourceNoPath or ResourceWrongMethod
// respectively so the caller can choose between 4.04 and 4.05.
func findResource(head *Listener, path string, method MethodFlag) (*Resource, FindResult) {
	sawPath := false
	for l := head; l != nil; l = l.next {
		for i := range l.Resources {
			r := &l.Resources[i]
			cmp := matchPath(r, path)
			if cmp > 0 {
				// Resources are sorted; nothing further in this listener
				// can match.
				break
			}
			if cmp < 0 {
				continue
			}
			sawPath = true
			if r.Methods&method != 0 {
				return r, ResourceFound
			}
		}
	}
	if sawPath {
		return nil, ResourceWrongMethod
	}
	return nil, ResourceNoPath
}
