package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor manage", role: RoleEditor, action: ActionManage, allow: false},
		{name: "owner manage", role: RoleOwner, action: ActionManage, allow: true},
		{name: "unknown role", role: Role("ghost"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q, want viewer", got)
	}
	if got := Normalize(""); got != RoleViewer {
		t.Fatalf("Normalize(\"\") = %q, want viewer", got)
	}
}
