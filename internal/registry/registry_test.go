package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

func TestBuiltinFindBySymbol(t *testing.T) {
	r := Builtin()
	tok, err := r.Find("bnbx")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if tok.Symbol != "BNBx" {
		t.Fatalf("unexpected symbol %q", tok.Symbol)
	}
	if tok.Address != "0x1bdd3Cf7f79cfB8EdbB955f20ad99211551BA275" {
		t.Fatalf("address not checksummed: %q", tok.Address)
	}
}

func TestFindByAddressAndAlias(t *testing.T) {
	r := Builtin()

	byAddr, err := r.Find("0X52F24A5E03AEE338DA5FD9DF68D2B6FAE1178827")
	if err != nil {
		t.Fatalf("Find by address: %v", err)
	}
	if byAddr.Symbol != "ANKRBNB" {
		t.Fatalf("got %q, want ANKRBNB", byAddr.Symbol)
	}

	byAlias, err := r.Find("pstake bnb")
	if err != nil {
		t.Fatalf("Find by alias: %v", err)
	}
	if byAlias.Symbol != "STKBNB" {
		t.Fatalf("got %q, want STKBNB", byAlias.Symbol)
	}
}

func TestFindUnknownListsAllowed(t *testing.T) {
	r := Builtin()
	_, err := r.Find("stETH")
	if err == nil {
		t.Fatal("expected error for unknown token")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected code %v", xerrors.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "BNBx") {
		t.Fatalf("error should list allowed symbols, got %q", err.Error())
	}
}

func TestLoadFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	doc := `tokens:
  - symbol: SLISBNB
    name: Lista slisBNB
    address: "0xB0b84D294e0C75A6abe60171b70edEb2EFd14A1B"
    project: Lista
    aliases: ["slisbnb"]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(r.Tokens()) != 1 {
		t.Fatalf("expected 1 token, got %d", len(r.Tokens()))
	}
	if _, err := r.Find("BNBx"); err == nil {
		t.Fatal("override should replace the builtin list")
	}
}

func TestNewRejectsBadAddress(t *testing.T) {
	_, err := New([]Token{{Symbol: "X", Address: "not-an-address"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("unexpected code %v", xerrors.CodeOf(err))
	}
}
