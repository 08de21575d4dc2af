// Package camera はカメラからのフレーム取得を担う
//
// # 責務
// - デバイスを専有するキャプチャループの実行
// - 最新フレーム1枚だけを保持するスロットの管理
// - 読み取り失敗時の再接続
// - V4L2デバイスの検出
//
// # 動作
//   - FrameSource: Device を1つ専有し、ループで最新フレームを更新し続ける
//   - GetFrame はスロットの中身をコピーして返すので、取得後にキャプチャと競合しない
//   - 読み取りに失敗した場合はデバイスを閉じ、1秒待ってから開き直す。Stop が呼ばれるまで諦めない
//   - FFmpegDevice: ffmpeg の image2pipe 出力を JPEG の SOI/EOI マーカーで分割する
//   - OpenCV を使う実装は camera/opencv パッケージにある (-tags opencv でビルド)
//
// # 前提要件
//   - ffmpeg: FFmpegDevice で使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: デバイス名の取得に使用（無くても動作する）
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
