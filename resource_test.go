package gcoap

import "testing"

func TestFindResourceOrderedEarlyExit(t *testing.T) {
	l := &Listener{Resources: []Resource{
		{Path: "/a", Methods: MethodGet},
		{Path: "/m", Methods: MethodGet},
		{Path: "/z", Methods: MethodGet},
	}}

	r, result := findResource(l, "/m", MethodGet)
	if result != ResourceFound || r == nil || r.Path != "/m" {
		t.Fatalf("expected to find /m, got %v %v", r, result)
	}

	// A resource sorting after the request path ends the scan of its
	// listener immediately; matchPath itself reports that ordering.
	if cmp := matchPath(&l.Resources[2], "/m"); cmp <= 0 {
		t.Fatalf("expected /z to sort after /m, matchPath returned %d", cmp)
	}

	// With /m placed after /z, the scan stops at /z and never reaches it.
	unsorted := &Listener{Resources: []Resource{
		{Path: "/a", Methods: MethodGet},
		{Path: "/z", Methods: MethodGet},
		{Path: "/m", Methods: MethodGet},
	}}
	if _, result := findResource(unsorted, "/m", MethodGet); result != ResourceNoPath {
		t.Fatalf("expected the scan to stop at /z, got %v", result)
	}
}

func TestFindResourceWrongMethodVsNoPath(t *testing.T) {
	l := &Listener{Resources: []Resource{
		{Path: "/only-get", Methods: MethodGet},
	}}

	if _, result := findResource(l, "/only-get", MethodPost); result != ResourceWrongMethod {
		t.Errorf("expected ResourceWrongMethod, got %v", result)
	}
	if _, result := findResource(l, "/missing", MethodGet); result != ResourceNoPath {
		t.Errorf("expected ResourceNoPath, got %v", result)
	}
}

func TestFindResourceAcrossListeners(t *testing.T) {
	l1 := &Listener{Resources: []Resource{{Path: "/a", Methods: MethodGet}}}
	l2 := &Listener{Resources: []Resource{{Path: "/b", Methods: MethodGet}}}
	l1.next = l2

	if _, result := findResource(l1, "/b", MethodGet); result != ResourceFound {
		t.Errorf("expected to find /b via second listener, got %v", result)
	}
}

func TestEngineFindResourceExportedWrapper(t *testing.T) {
	transport, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer transport.Close()

	e := New(DefaultConfig(), transport)
	e.RegisterListener(&Listener{Resources: []Resource{{Path: "/a", Methods: MethodGet}}})

	r, result := e.FindResource("/a", MethodGet)
	if result != ResourceFound || r == nil || r.Path != "/a" {
		t.Fatalf("FindResource(/a) = %v, %v", r, result)
	}
	if _, result := e.FindResource("/missing", MethodGet); result != ResourceNoPath {
		t.Errorf("FindResource(/missing) = %v, want ResourceNoPath", result)
	}
}
