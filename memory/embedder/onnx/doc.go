// Package onnx computes embeddings locally with a BERT-style sentence model
// (all-MiniLM-L6-v2 by default) through ONNX Runtime.
//
// The tokenizer builds everywhere. The Embedder needs the onnxruntime shared
// library and is only compiled with the onnx build tag.
package onnx
