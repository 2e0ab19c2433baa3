package core

import "skyvault/pkg/types"

// ObjectType 定义了可以放进 storage.Store 的对象类型
type ObjectType string

const (
	TypeSkyfile ObjectType = "skyfile" // 元数据 + 内容，按 Merkle Root 寻址
)

// Object 是所有可持久化对象的通用接口
type Object interface {
	// Type 返回对象类型
	Type() ObjectType

	// ID 返回对象的 Merkle Root
	ID() types.Hash

	// Bytes 返回对象的序列化数据 (用于存储)
	Bytes() []byte
}
