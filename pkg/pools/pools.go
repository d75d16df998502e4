// Package pools provides object pooling for reducing GC pressure on the
// hot read/write paths of the store.
//
//   - BytePool: size-class based byte slice pooling, used (through the
//     default pool's GetBytes/PutBytes) for nursery log record buffers
//   - BufferBuilder: buffer construction with pooled backing storage; no
//     other package of the store uses it
package pools
