// ragchunk 解析单个文件并打印分块结果，用于调整 chunk_size / chunk_overlap
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/aihub/rag-service/internal/knowledge"
)

func main() {
	chunkSize := pflag.IntP("chunk-size", "s", 1000, "chunk size in characters")
	overlap := pflag.IntP("overlap", "o", 200, "overlap between consecutive chunks in characters")
	quiet := pflag.BoolP("quiet", "q", false, "print the summary only")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <file>\n", filepath.Base(os.Args[0]))
		pflag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(pflag.Arg(0), *chunkSize, *overlap, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string, chunkSize, overlap int, quiet bool) error {
	chunker, err := knowledge.NewChunker(chunkSize, overlap)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	name := filepath.Base(path)
	text, err := knowledge.NewFileParserManager().ParseFile(file, name)
	if err != nil {
		return err
	}

	chunks := chunker.Split([]knowledge.Document{{Text: text, Source: name}})
	length := len([]rune(text))

	fmt.Printf("chunk_size=%d overlap=%d\n", chunkSize, overlap)
	fmt.Printf("characters=%d chunks=%d expected=%d\n", length, len(chunks), chunker.ExpectedChunks(length))
	if quiet {
		return nil
	}

	for _, chunk := range chunks {
		fmt.Println(strings.Repeat("-", 80))
		fmt.Printf("%s (Section %d of %d)  %d chars\n",
			chunk.Source, chunk.ChunkIndex+1, chunk.TotalChunks, len([]rune(chunk.Text)))
		fmt.Println(chunk.Text)
	}
	return nil
}
