package crypto

import (
	"testing"

	. "github.com/smartystreets/assertions"
)

func TestPassword(t *testing.T) {
	a := New(t)

	hash, err := HashPassword("s3cret")
	a.So(err, ShouldBeNil)
	a.So(VerifyPassword("s3cret", hash), ShouldBeTrue)
	a.So(VerifyPassword("other", hash), ShouldBeFalse)
	a.So(VerifyPassword("s3cret", "not-a-hash"), ShouldBeFalse)
}

func TestEncryptDecrypt(t *testing.T) {
	a := New(t)

	key := make([]byte, 16)
	ciphertext, err := Encrypt(key, []byte("session"))
	a.So(err, ShouldBeNil)
	a.So(string(ciphertext), ShouldNotContainSubstring, "session")

	plaintext, err := Decrypt(key, ciphertext)
	a.So(err, ShouldBeNil)
	a.So(string(plaintext), ShouldEqual, "session")

	key[0] = 1
	_, err = Decrypt(key, ciphertext)
	a.So(err, ShouldNotBeNil)

	_, err = Decrypt(key, []byte{1, 2})
	a.So(err, ShouldNotBeNil)

	_, err = Encrypt([]byte{1}, nil)
	a.So(err, ShouldNotBeNil)
}
