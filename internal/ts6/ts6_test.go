package ts6

import "testing"

func TestMakeID(t *testing.T) {
	tests := []struct {
		input   uint64
		output  string
		success bool
	}{
		{0, "AAAAAA", true},
		{1, "AAAAAB", true},
		{2, "AAAAAC", true},
		{25, "AAAAAZ", true},
		{26, "AAAAA0", true},
		{27, "AAAAA1", true},
		{35, "AAAAA9", true},
		{36, "AAAABA", true},
		{72, "AAAACA", true},
		{98, "AAAAC0", true},
		{107, "AAAAC9", true},
		{1572120575, "Z99999", true},
		{1572120576, "", false},
	}

	for _, test := range tests {
		id, err := MakeID(test.input)
		if err != nil {
			if test.success {
				t.Errorf("MakeID(%d) = error %s, wanted %s", test.input, err,
					test.output)
			}
			continue
		}

		if !test.success {
			t.Errorf("MakeID(%d) = %s, wanted error", test.input, id)
			continue
		}

		if id != test.output {
			t.Errorf("MakeID(%d) = %s, wanted %s", test.input, id, test.output)
		}
		if !IsValidID(id) {
			t.Errorf("MakeID(%d) = %s, which is not a valid ID", test.input, id)
		}
	}
}

func TestIsValidUID(t *testing.T) {
	tests := []struct {
		input  string
		output bool
	}{
		{"001AAAAAA", true},
		{"0ABZ99999", true},
		{"001", false},
		{"A01AAAAAA", false},
		{"0010AAAAA", false},
		{"001aaaaaa", false},
		{"001AAAAAAA", false},
	}

	for _, test := range tests {
		if got := IsValidUID(test.input); got != test.output {
			t.Errorf("IsValidUID(%s) = %v, wanted %v", test.input, got, test.output)
		}
	}
}

func TestUIDSID(t *testing.T) {
	uid, err := MakeUID("002", 37)
	if err != nil {
		t.Fatalf("MakeUID() = %s", err)
	}
	if uid != "002AAAABB" {
		t.Errorf("MakeUID(002, 37) = %s, wanted 002AAAABB", uid)
	}
	if uid.SID() != "002" {
		t.Errorf("SID() = %s, wanted 002", uid.SID())
	}
}
