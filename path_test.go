package dbusobj

import "testing"

func TestObjectPathValid(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"/", true},
		{"/a", true},
		{"/org/freedesktop/DBus", true},
		{"/a_b/C9", true},
		{"", false},
		{"a", false},
		{"/a/", false},
		{"//a", false},
		{"/a//b", false},
		{"/a-b", false},
		{"/a.b", false},
		{"/ä", false},
	}
	for _, tc := range tests {
		if got := ObjectPath(tc.in).Valid() == nil; got != tc.ok {
			t.Errorf("ObjectPath(%q).Valid() ok=%v, want %v", tc.in, got, tc.ok)
		}
	}
}

func TestObjectPathRelations(t *testing.T) {
	tests := []struct {
		p, parent     ObjectPath
		child, within bool
	}{
		{"/a/b", "/a", true, true},
		{"/a/b/c", "/a", true, true},
		{"/a", "/a", false, true},
		{"/ab", "/a", false, false},
		{"/a", "/", true, true},
		{"/", "/", false, true},
		{"/", "/a", false, false},
	}
	for _, tc := range tests {
		if got := tc.p.IsChildOf(tc.parent); got != tc.child {
			t.Errorf("%q.IsChildOf(%q) = %v, want %v", tc.p, tc.parent, got, tc.child)
		}
		if got := tc.p.IsWithin(tc.parent); got != tc.within {
			t.Errorf("%q.IsWithin(%q) = %v, want %v", tc.p, tc.parent, got, tc.within)
		}
	}

	if got, want := ObjectPath("/a").Child("b"), ObjectPath("/a/b"); got != want {
		t.Errorf("Child = %q, want %q", got, want)
	}
	if got, want := ObjectPath("/").Child("b"), ObjectPath("/b"); got != want {
		t.Errorf("Child = %q, want %q", got, want)
	}
	if got, want := ObjectPath("/a/b").Parent(), ObjectPath("/a"); got != want {
		t.Errorf("Parent = %q, want %q", got, want)
	}
	if got, want := ObjectPath("/").Parent(), ObjectPath("/"); got != want {
		t.Errorf("Parent = %q, want %q", got, want)
	}
}
