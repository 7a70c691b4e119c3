package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// certValidity 自签名证书有效期
const certValidity = 180 * 24 * time.Hour

// NewTLSConfig 用节点 Ed25519 私钥生成自签名证书，返回服务端与客户端配置
//
// 证书只用于携带公钥；对端身份等于证书公钥，由 VerifyPeerCertificate 校验。
func NewTLSConfig(kp *identity.KeyPair, alpn string) (server, client *tls.Config, err error) {
	cert, err := selfSignedCert(kp)
	if err != nil {
		return nil, nil, err
	}
	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		// 自签名证书没有 CA 可验，由 VerifyPeerCertificate 校验公钥
		InsecureSkipVerify:    true,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeerCertificate(types.EmptyPeerID),
		MinVersion:            tls.VersionTLS13,
	}
	client = server.Clone()
	client.ClientAuth = tls.NoClientCert
	return server, client, nil
}

// clientConfigFor 返回只接受 expected 的客户端配置
func clientConfigFor(base *tls.Config, expected types.PeerID) *tls.Config {
	c := base.Clone()
	c.VerifyPeerCertificate = verifyPeerCertificate(expected)
	return c
}

func selfSignedCert(kp *identity.KeyPair) (tls.Certificate, error) {
	priv := kp.PrivateKey()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("生成证书序列号失败: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: kp.PeerID().String()},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("创建证书失败: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// verifyPeerCertificate 校验对端证书；expected 非空时要求公钥与之相同
func verifyPeerCertificate(expected types.PeerID) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) != 1 {
			return fmt.Errorf("%w: 期望 1 张证书，实际 %d", ErrNoCertificate, len(rawCerts))
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("解析证书失败: %w", err)
		}
		// 证书不是 CA，只校验签名本身
		if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
			return fmt.Errorf("证书自签名无效: %w", err)
		}
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("证书不在有效期内: %v ~ %v", cert.NotBefore, cert.NotAfter)
		}
		got, err := PeerIDFromCertificate(cert)
		if err != nil {
			return err
		}
		if !expected.IsEmpty() && got != expected {
			return fmt.Errorf("%w: 期望 %s, 实际 %s", ErrPeerIDMismatch, expected.ShortString(), got.ShortString())
		}
		return nil
	}
}

// PeerIDFromCertificate 从证书公钥得到 PeerID
func PeerIDFromCertificate(cert *x509.Certificate) (types.PeerID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.EmptyPeerID, fmt.Errorf("%w: %T", ErrUnsupportedKey, cert.PublicKey)
	}
	return types.PeerIDFromBytes(pub)
}

// ExtractPeerID 从握手完成的 TLS 状态中取得对端 PeerID
func ExtractPeerID(state tls.ConnectionState) (types.PeerID, error) {
	if len(state.PeerCertificates) == 0 {
		return types.EmptyPeerID, ErrNoCertificate
	}
	return PeerIDFromCertificate(state.PeerCertificates[0])
}
