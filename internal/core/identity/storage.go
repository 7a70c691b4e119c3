package identity

import (
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const pemTypeEd25519Private = "ED25519 PRIVATE KEY"

var (
	// ErrInvalidPEM 无效的 PEM 数据
	ErrInvalidPEM = errors.New("identity: invalid PEM data")
	// ErrKeyNotFound 密钥文件不存在
	ErrKeyNotFound = errors.New("identity: key not found")
)

// Save 将私钥种子以 PEM 格式写入文件（0600，原子替换）
func (k *KeyPair) Save(path string) error {
	data := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeEd25519Private,
		Bytes: k.Seed(),
	})
	return atomicWriteFile(path, data, 0600)
}

// Load 从 PEM 文件加载密钥对
func Load(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeEd25519Private {
		return nil, ErrInvalidPEM
	}
	switch len(block.Bytes) {
	case ed25519.SeedSize:
		return FromSeed(block.Bytes)
	case ed25519.PrivateKeySize:
		return FromPrivateKey(ed25519.PrivateKey(block.Bytes))
	default:
		return nil, ErrInvalidPEM
	}
}

// LoadOrGenerate 加载密钥，文件不存在且 create 为真时生成并保存
func LoadOrGenerate(path string, create bool) (*KeyPair, error) {
	if path == "" {
		return Generate()
	}
	kp, err := Load(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrKeyNotFound) || !create {
		return nil, err
	}

	kp, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("创建密钥目录失败: %w", err)
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// atomicWriteFile 临时文件 + rename，避免部分写入
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("设置文件权限失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("重命名文件失败: %w", err)
	}
	ok = true
	return nil
}
