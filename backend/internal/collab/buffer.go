package collab

// Buffer 抽象实体内容缓冲区接口。
// Authority 是唯一的写入方；位置与长度一律按 rune 计，越界自动夹取。
type Buffer interface {
	Len() int
	Insert(pos int, text string)
	Delete(pos, length int)
	String() string
}

/*
piece table 结构示例

初始内容 "Hello world"：

- original buffer 内容："Hello world"
- add buffer 为空 ("")
- piece 表：

  [ (orig, offset=0, length=11) ]

在位置 5 插入 " collaborative"：
- 在 add buffer 末尾追加 " collaborative"
- piece 表从一条拆成三条：

  [
    (orig, offset=0, length=5),   // "Hello"
    (add,  offset=0, length=14),  // " collaborative"
    (orig, offset=5, length=6),   // " world"
  ]
*/
