//go:build windows

package conn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	certStoreProvSystem     = 10
	certStoreReadonlyFlag   = 0x00008000
	certFindSubjectStr      = 0x00080007
	certStoreCurrentUser    = 1 << 16
	certStoreLocalMachine   = 2 << 16
	encodingX509PKCS7       = windows.X509_ASN_ENCODING | windows.PKCS_7_ASN_ENCODING
	acquireOnlyNCryptKey    = 0x00040000
	acquireSilent           = 0x00000040
	ncryptKeySpec           = 0xffffffff
	bcryptPadPKCS1          = 0x00000002
	bcryptPadPSS            = 0x00000008
	ncryptSilentFlag        = 0x00000040
	errNCryptBufferTooSmall = 0x80090028
)

var (
	crypt32 = windows.NewLazySystemDLL("crypt32.dll")
	ncrypt  = windows.NewLazySystemDLL("ncrypt.dll")

	procAcquirePrivateKey = crypt32.NewProc("CryptAcquireCertificatePrivateKey")
	procNCryptSignHash    = ncrypt.NewProc("NCryptSignHash")
	procNCryptFreeObject  = ncrypt.NewProc("NCryptFreeObject")
)

type systemStore struct{}

func SystemCertStore() CertStore { return systemStore{} }

func (systemStore) Certificate(ref string) (tls.Certificate, error) {
	r, err := parseCertRef(ref)
	if err != nil {
		return tls.Certificate{}, err
	}
	flags := uint32(certStoreCurrentUser)
	if r.Location == "LOCAL_MACHINE" {
		flags = certStoreLocalMachine
	}
	name, err := windows.UTF16PtrFromString(r.Store)
	if err != nil {
		return tls.Certificate{}, err
	}
	store, err := windows.CertOpenStore(certStoreProvSystem, 0, 0,
		flags|certStoreReadonlyFlag, uintptr(unsafe.Pointer(name)))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("open store %s: %w", ref, err)
	}
	defer windows.CertCloseStore(store, 0)

	subject, err := windows.UTF16PtrFromString(r.Subject)
	if err != nil {
		return tls.Certificate{}, err
	}
	cc, err := windows.CertFindCertificateInStore(store, encodingX509PKCS7, 0,
		certFindSubjectStr, unsafe.Pointer(subject), nil)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s", ErrCertNotFound, ref)
	}
	defer windows.CertFreeCertificateContext(cc)

	der := make([]byte, cc.Length)
	copy(der, unsafe.Slice(cc.EncodedCert, cc.Length))
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	signer, err := acquireSigner(cc, leaf.PublicKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("private key for %s: %w", ref, err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: signer, Leaf: leaf}, nil
}

// ncryptSigner signs with a key that never leaves the CNG provider.
type ncryptSigner struct {
	key uintptr
	pub crypto.PublicKey
}

func acquireSigner(cc *windows.CertContext, pub crypto.PublicKey) (*ncryptSigner, error) {
	var (
		key      uintptr
		keySpec  uint32
		mustFree int32
	)
	r, _, err := procAcquirePrivateKey.Call(
		uintptr(unsafe.Pointer(cc)),
		acquireOnlyNCryptKey|acquireSilent,
		0,
		uintptr(unsafe.Pointer(&key)),
		uintptr(unsafe.Pointer(&keySpec)),
		uintptr(unsafe.Pointer(&mustFree)),
	)
	if r == 0 {
		return nil, err
	}
	if keySpec != ncryptKeySpec {
		return nil, fmt.Errorf("key spec %#x is not a CNG key", keySpec)
	}
	s := &ncryptSigner{key: key, pub: pub}
	if mustFree != 0 {
		runtime.SetFinalizer(s, func(s *ncryptSigner) { procNCryptFreeObject.Call(s.key) })
	}
	return s, nil
}

func (s *ncryptSigner) Public() crypto.PublicKey { return s.pub }

type pkcs1PaddingInfo struct {
	alg *uint16
}

type pssPaddingInfo struct {
	alg  *uint16
	salt uint32
}

func (s *ncryptSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var (
		padding unsafe.Pointer
		flags   uint32 = ncryptSilentFlag
	)
	switch pub := s.pub.(type) {
	case *rsa.PublicKey:
		alg, err := hashAlgorithm(opts.HashFunc())
		if err != nil {
			return nil, err
		}
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			salt := pss.SaltLength
			if salt == rsa.PSSSaltLengthAuto || salt == rsa.PSSSaltLengthEqualsHash {
				salt = opts.HashFunc().Size()
			}
			padding, flags = unsafe.Pointer(&pssPaddingInfo{alg: alg, salt: uint32(salt)}), flags|bcryptPadPSS
		} else {
			padding, flags = unsafe.Pointer(&pkcs1PaddingInfo{alg: alg}), flags|bcryptPadPKCS1
		}
	case *ecdsa.PublicKey:
		raw, err := s.sign(digest, nil, flags)
		if err != nil {
			return nil, err
		}
		half := len(raw) / 2
		return asn1.Marshal(struct{ R, S *big.Int }{
			new(big.Int).SetBytes(raw[:half]),
			new(big.Int).SetBytes(raw[half:]),
		})
	default:
		return nil, fmt.Errorf("unsupported key type %T", pub)
	}
	return s.sign(digest, padding, flags)
}

func (s *ncryptSigner) sign(digest []byte, padding unsafe.Pointer, flags uint32) ([]byte, error) {
	var size uint32
	r, _, _ := procNCryptSignHash.Call(s.key, uintptr(padding),
		uintptr(unsafe.Pointer(&digest[0])), uintptr(len(digest)),
		0, 0, uintptr(unsafe.Pointer(&size)), uintptr(flags))
	if r != 0 && r != errNCryptBufferTooSmall {
		return nil, fmt.Errorf("NCryptSignHash: %w", windows.Errno(r))
	}
	sig := make([]byte, size)
	r, _, _ = procNCryptSignHash.Call(s.key, uintptr(padding),
		uintptr(unsafe.Pointer(&digest[0])), uintptr(len(digest)),
		uintptr(unsafe.Pointer(&sig[0])), uintptr(size), uintptr(unsafe.Pointer(&size)), uintptr(flags))
	runtime.KeepAlive(padding)
	if r != 0 {
		return nil, fmt.Errorf("NCryptSignHash: %w", windows.Errno(r))
	}
	return sig[:size], nil
}

func hashAlgorithm(h crypto.Hash) (*uint16, error) {
	switch h {
	case crypto.SHA1:
		return windows.UTF16PtrFromString("SHA1")
	case crypto.SHA256:
		return windows.UTF16PtrFromString("SHA256")
	case crypto.SHA384:
		return windows.UTF16PtrFromString("SHA384")
	case crypto.SHA512:
		return windows.UTF16PtrFromString("SHA512")
	}
	return nil, fmt.Errorf("unsupported hash %v", h)
}
